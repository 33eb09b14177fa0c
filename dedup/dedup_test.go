package dedup

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddReportsFirstInsert(t *testing.T) {
	s := NewSet()
	assert.True(t, s.Add("a"))
	assert.False(t, s.Add("a"))
	assert.True(t, s.Add("b"))
	assert.Equal(t, 2, s.Len())
}

func TestSeedAndContains(t *testing.T) {
	s := NewSet()
	s.Seed(map[string]struct{}{"x": {}, "y": {}})
	assert.True(t, s.Contains("x"))
	assert.True(t, s.Contains("y"))
	assert.False(t, s.Contains("z"))
}

func TestClear(t *testing.T) {
	s := NewSet()
	s.Add("a")
	s.Clear()
	assert.False(t, s.Contains("a"))
	assert.Equal(t, 0, s.Len())
}

func TestAddIsAtomicUnderConcurrency(t *testing.T) {
	s := NewSet()

	const workers = 16
	var wg sync.WaitGroup
	firsts := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			firsts <- s.Add("contended")
		}()
	}
	wg.Wait()
	close(firsts)

	wins := 0
	for first := range firsts {
		if first {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one goroutine may observe the first insert")
}
