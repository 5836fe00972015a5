package engine

import (
	"context"
	"time"

	"fleetbot/internal/platform"
)

// Policy is the single retry policy applied to every dispatch send.
//
// Mandatory flood waits are honored exactly and never consume the attempt
// budget; transient faults burn attempts with exponential backoff; anything
// else is surfaced immediately.
type Policy struct {
	MaxAttempts int           // total tries for transient faults
	Base        time.Duration // backoff unit; delay is Base << attempt
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Base: time.Second}
}

// Execute runs op until success, a non-retryable error, attempt exhaustion,
// or cancellation. sleep must honor ctx.
func (p Policy) Execute(ctx context.Context, sleep func(context.Context, time.Duration) error, op func(context.Context) error) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			return nil
		}

		if wait, ok := platform.AsFloodWait(err); ok {
			if serr := sleep(ctx, wait); serr != nil {
				return serr
			}
			continue
		}

		if !platform.IsTransient(err) {
			return err
		}

		attempt++
		if attempt >= p.MaxAttempts {
			return err
		}
		if serr := sleep(ctx, p.Base<<attempt); serr != nil {
			return serr
		}
	}
}
