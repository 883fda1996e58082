// Package reliability provides the backoff policies used when a channel fails.
//
// This package implements:
//   - Delay policies: exponential backoff with optional jitter, and fixed delay
//   - Backoff: a stateful attempt counter a pump resets after a good receive
//   - Retry: bounded retry of an operation, honouring context cancellation
//
// Example usage:
//
//	backoff := NewBackoff(NewExponentialBackoff(time.Second, 30*time.Second, 2.0))
//	for {
//	    msg, err := channel.Receive(timeout)
//	    if err != nil {
//	        if Sleep(ctx, backoff.Next()) != nil {
//	            return
//	        }
//	        continue
//	    }
//	    backoff.Reset()
//	}
package reliability
