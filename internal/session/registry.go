package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/cardpilot/internal/browser"
	"github.com/kalambet/cardpilot/internal/marketplace"
	"github.com/kalambet/cardpilot/internal/vault"
)

var (
	ErrNoSession               = errors.New("no session for key")
	ErrNotAwaitingCaptcha      = errors.New("session is not awaiting a captcha")
	ErrSecondFactorUnavailable = errors.New("second factor code unavailable")
	ErrClosed                  = errors.New("session registry closed")
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// AdapterSource looks up marketplace adapters.
type AdapterSource interface {
	Get(marketplaceID string) (marketplace.Adapter, error)
}

// CredentialSource resolves login secrets.
type CredentialSource interface {
	Resolve(ctx context.Context, partnerID, marketplaceID string) (*vault.Credentials, error)
}

// CodeSource supplies a pre-fetched second-factor code for portals that do
// not use TOTP (for example an SMS relay).
type CodeSource interface {
	Code(ctx context.Context, key Key) (string, error)
}

// CaptchaSolver clears a captcha challenge on page.
type CaptchaSolver interface {
	Solve(ctx context.Context, key Key, page browser.Page) error
}

type Config struct {
	Adapters    AdapterSource
	Credentials CredentialSource
	Launcher    browser.Launcher

	// Optional collaborators.
	Codes  CodeSource
	Solver CaptchaSolver
	Clock  Clock
	Logger *slog.Logger

	// DefaultTTL applies when an adapter declares no session TTL.
	DefaultTTL time.Duration
	// LoginTimeout bounds one full pass through the login state machine.
	LoginTimeout time.Duration
}

// Registry pools sessions by key. Logins for one key are serialized: all
// concurrent callers share the outcome of a single login.
type Registry struct {
	adapters     AdapterSource
	creds        CredentialSource
	launcher     browser.Launcher
	codes        CodeSource
	solver       CaptchaSolver
	clock        Clock
	logger       *slog.Logger
	defaultTTL   time.Duration
	loginTimeout time.Duration

	flights singleflight.Group

	mu       sync.Mutex
	sessions map[Key]*Session
	closed   bool
}

func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		adapters:     cfg.Adapters,
		creds:        cfg.Credentials,
		launcher:     cfg.Launcher,
		codes:        cfg.Codes,
		solver:       cfg.Solver,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		defaultTTL:   cfg.DefaultTTL,
		loginTimeout: cfg.LoginTimeout,
		sessions:     make(map[Key]*Session),
	}
	if r.clock == nil {
		r.clock = realClock{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.defaultTTL <= 0 {
		r.defaultTTL = 2 * time.Hour
	}
	if r.loginTimeout <= 0 {
		r.loginTimeout = time.Minute
	}
	return r
}

// HasCaptchaSolver reports whether captcha challenges can be cleared
// without an operator.
func (r *Registry) HasCaptchaSolver() bool {
	return r.solver != nil
}

// Acquire returns an exclusive lease on an authenticated session for key,
// logging in first if needed. Jobs on the same key queue here.
func (r *Registry) Acquire(ctx context.Context, key Key) (*Lease, error) {
	for {
		s, err := r.ensure(ctx, key)
		if err != nil {
			return nil, err
		}
		select {
		case s.lease <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		// The session may have expired or been replaced while queued.
		if r.current(key) == s && s.usable(r.clock.Now()) {
			return &Lease{r: r, s: s}, nil
		}
		<-s.lease
		r.expireIfStale(key, s)
	}
}

func (r *Registry) current(key Key) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[key]
}

// expireIfStale moves an authenticated session past its TTL to Expired and
// closes its page.
func (r *Registry) expireIfStale(key Key, s *Session) {
	if s.State() == Authenticated && !s.usable(r.clock.Now()) {
		r.logger.Info("session expired", "partner_id", key.PartnerID, "marketplace_id", key.MarketplaceID)
		s.destroy(Expired)
	}
}

// ensure returns an authenticated session for key, running the login state
// machine when there is none. A stale session is replaced only once no job
// is borrowing its page.
func (r *Registry) ensure(ctx context.Context, key Key) (*Session, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		s := r.sessions[key]
		r.mu.Unlock()

		if s != nil {
			if s.usable(r.clock.Now()) {
				return s, nil
			}
			if s.State() == AwaitingCaptcha {
				return nil, captchaFailure(s)
			}
			select {
			case s.lease <- struct{}{}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if r.current(key) != s {
				<-s.lease
				continue
			}
			r.expireIfStale(key, s)
		}

		ch := r.flights.DoChan(key.String(), func() (any, error) {
			loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.loginTimeout)
			defer cancel()
			return r.login(loginCtx, key)
		})
		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			res.Err = ctx.Err()
		}
		if s != nil {
			<-s.lease
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	}
}

func captchaFailure(s *Session) error {
	sel := ""
	if pa, ok := s.adapter.(*marketplace.ProfileAdapter); ok {
		sel = pa.Profile().Login.Captcha
	}
	return &marketplace.StepFailure{Step: marketplace.StepLogin, Selector: sel, Cause: marketplace.ErrCaptchaRequired}
}

// login drives Unauthenticated through to Authenticated, or to a terminal
// failure. It runs at most once at a time per key.
func (r *Registry) login(ctx context.Context, key Key) (*Session, error) {
	if s := r.current(key); s != nil {
		if s.usable(r.clock.Now()) {
			return s, nil
		}
		if s.State() == AwaitingCaptcha {
			return nil, captchaFailure(s)
		}
	}

	adapter, err := r.adapters.Get(key.MarketplaceID)
	if err != nil {
		return nil, err
	}
	creds, err := r.creds.Resolve(ctx, key.PartnerID, key.MarketplaceID)
	if err != nil {
		return nil, err
	}
	defer creds.Wipe()

	page, err := r.launcher.NewPage(ctx, key.String())
	if err != nil {
		return nil, &marketplace.StepFailure{Step: marketplace.StepLogin, Cause: err}
	}

	s := newSession(key, adapter, page)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		page.Close()
		return nil, ErrClosed
	}
	if old := r.sessions[key]; old != nil {
		old.destroy(old.State())
	}
	r.sessions[key] = s
	r.mu.Unlock()

	log := r.logger.With("partner_id", key.PartnerID, "marketplace_id", key.MarketplaceID)

	outcome, err := adapter.Login(ctx, page, creds)
	if err != nil {
		s.destroy(Failed)
		log.Warn("login failed", "error", err)
		return nil, marketplace.AsStepFailure(marketplace.StepLogin, err)
	}
	log.Debug("login outcome", "outcome", outcome.String())

	switch outcome {
	case marketplace.LoginSuccess:
	case marketplace.LoginNeedsSecondFactor:
		s.setState(AwaitingSecondFactor)
		if err := r.secondFactor(ctx, s, creds); err != nil {
			s.destroy(Failed)
			log.Warn("second factor failed", "error", err)
			return nil, err
		}
	case marketplace.LoginNeedsCaptcha:
		s.setState(AwaitingCaptcha)
		if r.solver == nil {
			log.Warn("login blocked by captcha; waiting for operator")
			return nil, captchaFailure(s)
		}
		if err := r.solver.Solve(ctx, key, page); err != nil {
			s.destroy(Failed)
			return nil, &marketplace.StepFailure{Step: marketplace.StepLogin, Cause: fmt.Errorf("captcha solver: %w", err)}
		}
	case marketplace.LoginRejected:
		s.destroy(Failed)
		log.Warn("login rejected by portal")
		return nil, &marketplace.StepFailure{Step: marketplace.StepLogin, Cause: marketplace.ErrLoginRejected}
	}

	s.authenticate(r.clock.Now(), r.ttlFor(adapter))
	log.Info("session authenticated")
	return s, nil
}

func (r *Registry) secondFactor(ctx context.Context, s *Session, creds *vault.Credentials) error {
	var code string
	var err error
	switch {
	case s.adapter.SupportsTOTP() && creds.HasTOTPSeed():
		code, err = marketplace.TOTPCode(creds.TOTPSeed, r.clock.Now())
	case r.codes != nil:
		code, err = r.codes.Code(ctx, s.key)
	default:
		err = ErrSecondFactorUnavailable
	}
	if err != nil {
		return &marketplace.StepFailure{Step: marketplace.StepSecondFactor, Cause: err}
	}
	if err := s.adapter.SubmitSecondFactor(ctx, s.currentPage(), code); err != nil {
		return marketplace.AsStepFailure(marketplace.StepSecondFactor, err)
	}
	return nil
}

func (r *Registry) ttlFor(a marketplace.Adapter) time.Duration {
	if ttl := a.SessionTTL(); ttl > 0 {
		return ttl
	}
	return r.defaultTTL
}

// ResolveCaptcha records an operator's verdict on a session stuck in
// AwaitingCaptcha. When solved, the portal is checked for a live login.
func (r *Registry) ResolveCaptcha(ctx context.Context, key Key, solved bool) (State, error) {
	s := r.current(key)
	if s == nil {
		return "", ErrNoSession
	}
	if s.State() != AwaitingCaptcha {
		return s.State(), ErrNotAwaitingCaptcha
	}
	if !solved {
		s.destroy(Failed)
		return Failed, nil
	}
	ok, err := s.adapter.LoggedIn(ctx, s.currentPage())
	if err != nil || !ok {
		s.destroy(Failed)
		if err == nil {
			err = marketplace.ErrLoginRejected
		}
		return Failed, err
	}
	s.authenticate(r.clock.Now(), r.ttlFor(s.adapter))
	r.logger.Info("captcha resolved by operator", "partner_id", key.PartnerID, "marketplace_id", key.MarketplaceID)
	return Authenticated, nil
}

// Expire moves the session for key to Expired and closes its page.
func (r *Registry) Expire(key Key) error {
	s := r.current(key)
	if s == nil {
		return ErrNoSession
	}
	s.destroy(Expired)
	return nil
}

// Teardown closes and forgets the session for key.
func (r *Registry) Teardown(key Key) error {
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	s.destroy(s.State())
	r.logger.Info("session torn down", "partner_id", key.PartnerID, "marketplace_id", key.MarketplaceID)
	return nil
}

// List returns a snapshot of every pooled session, ordered by key.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Close tears down every session. Acquire fails afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[Key]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.destroy(s.State())
	}
	return nil
}
