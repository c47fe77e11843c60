package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/danshapiro/relay/internal/relay/failure"
	"github.com/danshapiro/relay/internal/relay/oplog"
)

// Policy is the stage-level retry budget.
type Policy struct {
	// Retries is the number of extra attempts after the first.
	Retries int
	Backoff Backoff
	// Sleep overrides SleepWithContext (tests).
	Sleep func(context.Context, time.Duration) bool
}

func DefaultPolicy() Policy {
	return Policy{Retries: 2, Backoff: DefaultBackoff()}
}

// Attempt describes one try of a stage call.
type Attempt struct {
	Number int
	// SessionID is the session captured by the previous temporary failure,
	// if any. The callee should resume it.
	SessionID string
}

// Stage runs fn until it succeeds, fails with anything other than a
// temporary failure, or the budget is spent. Each retry is logged once with
// the stage label, attempt, classification and captured session id. Backoff
// restarts from Initial on every call.
func Stage(ctx context.Context, p Policy, log *oplog.Log, label string, fn func(context.Context, Attempt) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepWithContext
	}
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	session := ""
	for attempt := 1; ; attempt++ {
		if err := failure.Interrupted(ctx, label); err != nil {
			return err
		}
		err := fn(ctx, Attempt{Number: attempt, SessionID: session})
		if err == nil {
			return nil
		}
		class := failure.ClassOf(err)
		if class != failure.ClassTemporary {
			if class != failure.ClassInterrupted {
				log.Error("stage failed", oplog.Fields{
					"stage":   label,
					"attempt": attempt,
					"class":   string(class),
					"error":   err.Error(),
				})
			}
			return err
		}
		if s := failure.SessionOf(err); s != "" {
			session = s
		}
		if attempt > retries {
			log.Error("stage retries exhausted", oplog.Fields{
				"stage":   label,
				"attempt": attempt,
				"class":   string(class),
				"session": session,
				"error":   err.Error(),
			})
			return err
		}
		delay := p.Backoff.Delay(attempt, fmt.Sprintf("%s:%d", label, attempt))
		log.Warn("stage retry", oplog.Fields{
			"stage":   label,
			"attempt": attempt,
			"class":   string(class),
			"session": session,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		if !sleep(ctx, delay) {
			return failure.Interrupted(ctx, label)
		}
	}
}
