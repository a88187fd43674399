// Package poll implements the bounded, cooperative polling loop used
// wherever entrystop has to observe another process change state.
//
// A blocking wait(2) cannot be used for this: the hosting process may reap
// its children through an unrelated wait on any pid, which would steal the
// status change and leave a blocking waiter hung forever. Callers instead
// supply a probe that is evaluated every interval until it reports done or
// the deadline passes.
package poll

import (
	"context"
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// ErrTimeout is returned by Until when the deadline elapsed before the
// probe reported done.
var ErrTimeout = errors.New("poll: timed out")

// Probe is evaluated once per interval. It returns done=true to stop
// polling. A non-nil error stops polling and is returned to the caller.
type Probe func() (done bool, err error)

// Until evaluates probe immediately and then every interval until it
// returns true, returns an error, or timeout elapses. Until never runs
// longer than timeout plus one interval and one probe evaluation.
func Until(ctx context.Context, interval, timeout time.Duration, probe Probe) error {
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(context.Context) (bool, error) {
		return probe()
	})
	if err != nil && wait.Interrupted(err) && ctx.Err() == nil {
		return ErrTimeout
	}
	return err
}
