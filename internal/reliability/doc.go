// Package reliability provides retry policies shared by the broker publisher,
// the Redis backed cache and gate, and the upstream HTTP client.
//
// Example usage:
//
//	policy := reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2, 3).
//	    WithClassifier(isTransient)
//	err := reliability.Retry(ctx, "publish", policy, func() error {
//	    return publish(ctx, msg)
//	})
package reliability
