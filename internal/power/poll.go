package power

import (
	"context"
	"errors"
	"runtime"
	"time"
)

// ErrPollExhausted is returned by PollWithBound when the predicate never
// held within the attempt bound.
var ErrPollExhausted = errors.New("poll bound exhausted")

// PollWithBound evaluates pred until it returns true, up to maxAttempts
// times, sleeping interval between attempts. maxAttempts <= 0 polls until
// pred holds or ctx is done. It returns nil, ErrPollExhausted or the
// context's error.
func PollWithBound(ctx context.Context, pred func() bool, maxAttempts int, interval time.Duration) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 0; maxAttempts <= 0 || attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if pred() {
			return nil
		}
		if interval <= 0 {
			runtime.Gosched()
			continue
		}
		if timer == nil {
			timer = time.NewTimer(interval)
		} else {
			timer.Reset(interval)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return ErrPollExhausted
}
