package client

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
)

// Backoff builds a constant-delay backoff with a small jitter.
func Backoff(attempts int, delay time.Duration) wait.Backoff {
	return wait.Backoff{
		Steps:    attempts,
		Duration: delay,
		Factor:   1.0,
		Jitter:   0.1,
	}
}

// RetryWhile calls fn until it succeeds, returns an error retriable rejects,
// the backoff is exhausted or ctx is done.
func RetryWhile(ctx context.Context, backoff wait.Backoff, retriable func(error) bool, fn func() error) error {
	return retry.OnError(backoff, func(err error) bool {
		return ctx.Err() == nil && retriable(err)
	}, fn)
}

// ReplicateWithRetry attaches c to primaryID, retrying while the primary has
// not been propagated to c through gossip yet.
func ReplicateWithRetry(ctx context.Context, c Client, primaryID string, backoff wait.Backoff) error {
	return RetryWhile(ctx, backoff, IsUnknownNode, func() error {
		return c.Replicate(ctx, primaryID)
	})
}
