// Package session owns the pool of authenticated seller-portal sessions,
// one per (partner, marketplace) pair.
package session

import (
	"sync"
	"time"

	"github.com/kalambet/cardpilot/internal/browser"
	"github.com/kalambet/cardpilot/internal/marketplace"
)

// State is a node of the login state machine.
type State string

const (
	Unauthenticated      State = "unauthenticated"
	AwaitingSecondFactor State = "awaiting_second_factor"
	AwaitingCaptcha      State = "awaiting_captcha"
	Authenticated        State = "authenticated"
	Expired              State = "expired"
	Failed               State = "failed"
)

// Key identifies a session.
type Key struct {
	PartnerID     string `json:"partner_id"`
	MarketplaceID string `json:"marketplace_id"`
}

func (k Key) String() string {
	return k.PartnerID + "/" + k.MarketplaceID
}

// Info is a point-in-time view of a session.
type Info struct {
	Key             Key       `json:"key"`
	State           State     `json:"state"`
	AuthenticatedAt time.Time `json:"authenticated_at,omitzero"`
	ExpiresAt       time.Time `json:"expires_at,omitzero"`
	Leased          bool      `json:"leased"`
}

// Session is one browser page logged into one portal. Only the Registry
// mutates it; jobs borrow it through a Lease.
type Session struct {
	key     Key
	adapter marketplace.Adapter

	// lease holds a token while a job borrows the page.
	lease chan struct{}

	mu              sync.Mutex
	page            browser.Page
	state           State
	authenticatedAt time.Time
	expiresAt       time.Time
}

func newSession(key Key, adapter marketplace.Adapter, page browser.Page) *Session {
	return &Session{
		key:     key,
		adapter: adapter,
		page:    page,
		state:   Unauthenticated,
		lease:   make(chan struct{}, 1),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *Session) authenticate(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Authenticated
	s.authenticatedAt = now
	s.expiresAt = now.Add(ttl)
}

// usable reports whether the session is authenticated and inside its TTL.
func (s *Session) usable(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Authenticated && now.Before(s.expiresAt)
}

// destroy closes the page and leaves the session in st.
func (s *Session) destroy(st State) {
	s.mu.Lock()
	page := s.page
	s.page = nil
	s.state = st
	s.mu.Unlock()
	if page != nil {
		page.Close()
	}
}

func (s *Session) currentPage() browser.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Key:             s.key,
		State:           s.state,
		AuthenticatedAt: s.authenticatedAt,
		ExpiresAt:       s.expiresAt,
		Leased:          len(s.lease) > 0,
	}
}
