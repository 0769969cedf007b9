// Package resilience provides retry with exponential backoff and jitter for
// calls to the task queue and other backing services.
//
//	err := resilience.RetryFunc(ctx, resilience.DefaultRetryConfig(), func() error {
//	    return writer.WriteMessages(ctx, msg)
//	})
package resilience
