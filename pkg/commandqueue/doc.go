// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
//   - Tasks in the same lane execute in FIFO order, at most Concurrency at a time (default 1).
//   - Tasks in different lanes may execute concurrently.
//   - Lanes created on demand by Enqueue are dropped once idle; lanes configured
//     with SetConcurrency persist.
//   - Queue activity is observable through enqueued/completed events.
//
// Usage:
//
//	queue := commandqueue.New(logger)
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "session:abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
