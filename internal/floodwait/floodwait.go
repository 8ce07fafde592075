// Package floodwait retries calls rejected by a platform rate limit, waiting
// the time the platform asked for, within an attempt limit and a total budget.
package floodwait

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-github/v66/github"
	"github.com/gotd/td/tgerr"
	"github.com/sethvargo/go-retry"
)

// Notice is the message users see before the bot sleeps on a flood wait.
const Notice = "⏳ Hit Telegram rate limit. Retrying after a pause..."

type Policy struct {
	MaxAttempts int
	MaxWait     time.Duration
}

var DefaultPolicy = Policy{MaxAttempts: 3, MaxWait: 5 * time.Minute}

// Error is a flood-wait signal raised by our own code.
type Error struct {
	Wait time.Duration
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flood wait %s: %v", e.Wait, e.Err)
	}
	return fmt.Sprintf("flood wait %s", e.Wait)
}

func (e *Error) Unwrap() error { return e.Err }

type notifierKey struct{}

// WithNotifier attaches fn to ctx. Clients deep in a request that pause on a
// flood wait call it so the user hears about the delay.
func WithNotifier(ctx context.Context, fn func(wait time.Duration)) context.Context {
	return context.WithValue(ctx, notifierKey{}, fn)
}

// NotifierFrom returns the callback attached with WithNotifier, or nil.
func NotifierFrom(ctx context.Context) func(wait time.Duration) {
	fn, _ := ctx.Value(notifierKey{}).(func(wait time.Duration))
	return fn
}

// AsFlood reports how long the platform asked us to wait, if err is a flood wait.
func AsFlood(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}

	var own *Error
	if errors.As(err, &own) {
		return own.Wait, true
	}

	var botErr *tgbotapi.Error
	if errors.As(err, &botErr) && botErr.RetryAfter > 0 {
		return time.Duration(botErr.RetryAfter) * time.Second, true
	}
	var botErrVal tgbotapi.Error
	if errors.As(err, &botErrVal) && botErrVal.RetryAfter > 0 {
		return time.Duration(botErrVal.RetryAfter) * time.Second, true
	}

	if d, ok := tgerr.AsFloodWait(err); ok {
		return d, true
	}

	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		if abuse.RetryAfter != nil {
			return *abuse.RetryAfter, true
		}
		return time.Minute, true
	}
	var rl *github.RateLimitError
	if errors.As(err, &rl) {
		wait := time.Until(rl.Rate.Reset.Time)
		if wait < 0 {
			wait = 0
		}
		return wait, true
	}

	return 0, false
}

// Do runs fn until it succeeds, fails with anything other than a flood wait,
// runs p.MaxAttempts times, or the next wait would exceed what is left of
// p.MaxWait. The last error from fn is returned unchanged. notify, when set,
// is called before every sleep.
func Do(ctx context.Context, p Policy, notify func(wait time.Duration), fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var (
		attempts int
		spent    time.Duration
		wait     time.Duration
	)

	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		if attempts >= p.MaxAttempts || spent+wait > p.MaxWait {
			return 0, true
		}
		spent += wait
		if notify != nil {
			notify(wait)
		}
		return wait, false
	})

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		d, ok := AsFlood(err)
		if !ok {
			return err
		}
		wait = d
		return retry.RetryableError(err)
	})
}
