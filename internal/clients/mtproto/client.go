// Package mtproto signs users into their Telegram account (phone, code,
// optional 2FA password) and exports the resulting session.
//
// Every login attempt owns a short-lived MTProto connection running on its
// own goroutine. Steps are sent to it over a channel, so the code hash stays
// valid for the connection that requested it.
package mtproto

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog/log"
	"go.uber.org/zap"

	"github.com/tazhate/repobot/internal/floodwait"
)

type authAPI interface {
	SendCode(ctx context.Context, phone string, options auth.SendCodeOptions) (tg.AuthSentCodeClass, error)
	SignIn(ctx context.Context, phone, code, codeHash string) (*tg.AuthAuthorization, error)
	Password(ctx context.Context, password string) (*tg.AuthAuthorization, error)
}

// userSession is one MTProto connection with in-memory session storage.
type userSession interface {
	Run(ctx context.Context, f func(ctx context.Context, api authAPI) error) error
	Export(ctx context.Context) ([]byte, error)
}

type Options struct {
	// AttemptTTL bounds how long an unfinished attempt keeps its connection.
	AttemptTTL  time.Duration
	Policy      floodwait.Policy
	OnFloodWait func(wait time.Duration)
	Debug       bool
}

type Client struct {
	dial       func() userSession
	ttl        time.Duration
	policy     floodwait.Policy
	onWait     func(time.Duration)
	now        func() time.Time
	mu         sync.Mutex
	attempts   map[string]*attempt
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func New(appID int, appHash string, opts Options) *Client {
	zl := zap.NewNop()
	if opts.Debug {
		if dev, err := zap.NewDevelopment(); err == nil {
			zl = dev
		}
	}
	return newClient(func() userSession {
		storage := &session.StorageMemory{}
		client := telegram.NewClient(appID, appHash, telegram.Options{
			SessionStorage: storage,
			Logger:         zl.Named("mtproto"),
			NoUpdates:      true,
		})
		return &gotdSession{client: client, storage: storage}
	}, opts)
}

func newClient(dial func() userSession, opts Options) *Client {
	if opts.AttemptTTL <= 0 {
		opts.AttemptTTL = 10 * time.Minute
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = floodwait.DefaultPolicy
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		dial:       dial,
		ttl:        opts.AttemptTTL,
		policy:     opts.Policy,
		onWait:     opts.OnFloodWait,
		now:        time.Now,
		attempts:   make(map[string]*attempt),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// SendCode opens a new attempt and asks Telegram to send a login code.
func (c *Client) SendCode(ctx context.Context, phone string) (Result, error) {
	a := c.open()

	var sent tg.AuthSentCodeClass
	err := c.do(ctx, a, func(ctx context.Context, api authAPI) error {
		var err error
		sent, err = api.SendCode(ctx, phone, auth.SendCodeOptions{})
		return err
	})
	switch {
	case err == nil:
	case tgerr.Is(err, "PHONE_NUMBER_INVALID"):
		c.Cancel(a.id)
		return InvalidPhone{}, nil
	default:
		c.Cancel(a.id)
		return nil, fmt.Errorf("send code: %w", err)
	}

	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		c.Cancel(a.id)
		return nil, fmt.Errorf("send code: unexpected response %T", sent)
	}

	log.Debug().Str("attempt_id", a.id).Msg("Login code sent")
	return CodeSent{AttemptID: a.id, CodeHash: code.PhoneCodeHash}, nil
}

// SubmitCode signs in with the code. The attempt survives InvalidCode and
// NeedsSecondFactor and is closed on anything else.
func (c *Client) SubmitCode(ctx context.Context, attemptID, phone, code, codeHash string) (Result, error) {
	a, err := c.lookup(attemptID)
	if err != nil {
		return nil, err
	}

	err = c.do(ctx, a, func(ctx context.Context, api authAPI) error {
		_, err := api.SignIn(ctx, phone, code, codeHash)
		return err
	})
	switch {
	case err == nil:
		return c.finish(ctx, a)
	case errors.Is(err, auth.ErrPasswordAuthNeeded):
		return NeedsSecondFactor{}, nil
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY"):
		return InvalidCode{}, nil
	case tgerr.Is(err, "PHONE_CODE_EXPIRED"):
		c.Cancel(a.id)
		return nil, ErrAttemptNotFound
	default:
		return nil, fmt.Errorf("sign in: %w", err)
	}
}

// SubmitPassword completes a 2FA sign-in.
func (c *Client) SubmitPassword(ctx context.Context, attemptID, password string) (Result, error) {
	a, err := c.lookup(attemptID)
	if err != nil {
		return nil, err
	}

	err = c.do(ctx, a, func(ctx context.Context, api authAPI) error {
		_, err := api.Password(ctx, password)
		return err
	})
	switch {
	case err == nil:
		return c.finish(ctx, a)
	case errors.Is(err, auth.ErrPasswordInvalid), tgerr.Is(err, "PASSWORD_HASH_INVALID"):
		return InvalidPassword{}, nil
	default:
		return nil, fmt.Errorf("check password: %w", err)
	}
}

// Cancel drops an attempt and closes its connection. Unknown ids are ignored.
func (c *Client) Cancel(attemptID string) {
	c.mu.Lock()
	a, ok := c.attempts[attemptID]
	delete(c.attempts, attemptID)
	c.mu.Unlock()
	if ok {
		a.stop()
	}
}

// Sweep cancels attempts older than the configured TTL and returns how many.
func (c *Client) Sweep() int {
	cutoff := c.now().Add(-c.ttl)

	c.mu.Lock()
	var expired []*attempt
	for id, a := range c.attempts {
		if a.created.Before(cutoff) {
			expired = append(expired, a)
			delete(c.attempts, id)
		}
	}
	c.mu.Unlock()

	for _, a := range expired {
		a.stop()
	}
	return len(expired)
}

func (c *Client) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attempts)
}

// Close cancels every attempt.
func (c *Client) Close() {
	c.cancelBase()
	c.mu.Lock()
	attempts := c.attempts
	c.attempts = make(map[string]*attempt)
	c.mu.Unlock()
	for _, a := range attempts {
		a.stop()
	}
}

func (c *Client) open() *attempt {
	ctx, cancel := context.WithCancel(c.baseCtx)
	a := &attempt{
		id:      uuid.NewString(),
		created: c.now(),
		calls:   make(chan call),
		done:    make(chan struct{}),
		cancel:  cancel,
		sess:    c.dial(),
	}

	c.mu.Lock()
	c.attempts[a.id] = a
	c.mu.Unlock()

	go a.run(ctx)
	return a
}

func (c *Client) lookup(id string) (*attempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.attempts[id]
	if !ok || c.now().Sub(a.created) > c.ttl {
		return nil, ErrAttemptNotFound
	}
	return a, nil
}

func (c *Client) do(ctx context.Context, a *attempt, fn func(ctx context.Context, api authAPI) error) error {
	notify := floodwait.NotifierFrom(ctx)
	return floodwait.Do(ctx, c.policy, func(wait time.Duration) {
		if c.onWait != nil {
			c.onWait(wait)
		}
		if notify != nil {
			notify(wait)
		}
	}, func(ctx context.Context) error {
		return a.exec(ctx, fn)
	})
}

func (c *Client) finish(ctx context.Context, a *attempt) (Result, error) {
	defer c.Cancel(a.id)

	var data []byte
	err := a.exec(ctx, func(ctx context.Context, _ authAPI) error {
		var err error
		data, err = a.sess.Export(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("export session: %w", err)
	}
	return Success{SessionToken: base64.StdEncoding.EncodeToString(data)}, nil
}

type call struct {
	fn    func(ctx context.Context, api authAPI) error
	reply chan error
}

type attempt struct {
	id      string
	created time.Time
	calls   chan call
	done    chan struct{}
	cancel  context.CancelFunc
	sess    userSession
	runErr  error
}

func (a *attempt) run(ctx context.Context) {
	defer close(a.done)
	a.runErr = a.sess.Run(ctx, func(ctx context.Context, api authAPI) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case c := <-a.calls:
				c.reply <- c.fn(ctx, api)
			}
		}
	})
	if a.runErr != nil && !errors.Is(a.runErr, context.Canceled) {
		log.Warn().Err(a.runErr).Str("attempt_id", a.id).Msg("MTProto connection closed")
	}
}

func (a *attempt) exec(ctx context.Context, fn func(ctx context.Context, api authAPI) error) error {
	c := call{fn: fn, reply: make(chan error, 1)}
	select {
	case a.calls <- c:
	case <-a.done:
		return a.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-a.done:
		return a.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *attempt) closedErr() error {
	if a.runErr != nil && !errors.Is(a.runErr, context.Canceled) {
		return fmt.Errorf("mtproto connection: %w", a.runErr)
	}
	return ErrAttemptNotFound
}

func (a *attempt) stop() {
	a.cancel()
	<-a.done
}

type gotdSession struct {
	client  *telegram.Client
	storage *session.StorageMemory
}

func (s *gotdSession) Run(ctx context.Context, f func(ctx context.Context, api authAPI) error) error {
	return s.client.Run(ctx, func(ctx context.Context) error {
		return f(ctx, s.client.Auth())
	})
}

func (s *gotdSession) Export(ctx context.Context) ([]byte, error) {
	return s.storage.LoadSession(ctx)
}
