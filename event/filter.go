package event

import "encoding/json"

// Filter selects events from a relay subscription. Zero values mean
// "no constraint"; PTags matches the second element of p tags.
type Filter struct {
	Kinds []int
	PTags []string
	Since int64
	Until int64
	Limit int
}

// MarshalJSON encodes the filter in the relay protocol's JSON form,
// where the p-tag constraint is spelled "#p" and absent fields are omitted.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{})
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if len(f.PTags) > 0 {
		m["#p"] = f.PTags
	}
	if f.Since > 0 {
		m["since"] = f.Since
	}
	if f.Until > 0 {
		m["until"] = f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	return json.Marshal(m)
}

// Matches reports whether an event satisfies every constraint the
// filter carries. Limit is a fetch hint, not a match criterion.
func (f Filter) Matches(ev *Event) bool {
	if ev == nil {
		return false
	}

	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if ev.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.PTags) > 0 {
		tagged := ev.TagValues("p")
		found := false
		for _, want := range f.PTags {
			for _, got := range tagged {
				if want == got {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}

	if f.Since > 0 && ev.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && ev.CreatedAt > f.Until {
		return false
	}

	return true
}
