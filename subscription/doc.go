// Package subscription runs the live message pipeline: one standing
// relay subscription for gift wraps addressed to the local identity,
// drained in arrival order through decode, dedup, and persistence.
//
// The pipeline survives relay throttling on its own. When a relay
// closes the subscription with a rate-limit reason, the manager waits
// out a short delay and resubscribes with a recomputed time window,
// keeping the duplicate tracker so the retry never re-delivers.
package subscription
