// Package async runs detached work for the request pipeline.
//
// Audit writes and alert dispatches happen after a response is computed. They
// must not delay the caller, yet they must finish (or be explicitly
// abandoned with a log line) before the process stops.
//
//	q := async.NewQueue(async.DefaultQueueConfig(), logger, metrics)
//	_ = q.Enqueue(ctx, "audit", func(ctx context.Context) error {
//		return sink.Log(ctx, entry)
//	})
//	...
//	_ = q.Drain(shutdownCtx)
//
// Failed tasks are retried by RetryPolicy (exponential backoff with a cap).
// RunEvery drives in-process periodic sweeps.
// Enqueue never blocks: a full queue abandons the task.
package async
