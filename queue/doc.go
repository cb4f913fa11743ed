// Package queue throttles outbound dispatch emission per facility.
//
// Each facility may carry a token-bucket rate limit and a concurrency cap.
// The engine's fire loop asks the [Manager] before emitting a due dispatch;
// a refused dispatch stays pending and is retried on the next tick.
//
//	m := queue.NewManager(queue.WithDefault(queue.Limit{Rate: 50, Burst: 100}))
//	m.Set(queue.FacilityConfig{FacilityID: "fac-1", Limit: queue.Limit{Rate: 5}})
//	if m.Acquire("fac-1") {
//	    defer m.Release("fac-1")
//	    // send
//	}
//
// Facilities without a config fall back to the default limit, and when no
// default is set they are not throttled.
package queue
