// Package backfill fetches the stored gift-wrap history for an
// identity, newest first, in bounded pages. Each page is requested with
// an until cursor one second below the oldest timestamp of the previous
// page, so overlapping relay responses converge instead of looping. The
// next page's fetch is issued before the current page is processed,
// overlapping network wait with decode work.
//
// Relay throttling is retried with a fixed backoff schedule; when the
// schedule is exhausted the last attempt's result stands as the page,
// best effort, and the run moves on. An empty best-effort page ends
// the run complete, same as a genuinely exhausted relay.
package backfill
