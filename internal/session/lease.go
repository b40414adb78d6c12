package session

import (
	"context"
	"sync"

	"github.com/kalambet/cardpilot/internal/browser"
	"github.com/kalambet/cardpilot/internal/marketplace"
)

// Lease is a job's exclusive borrow of a session. The holder must call
// Release exactly once and must not keep the page afterwards.
type Lease struct {
	r *Registry

	mu       sync.Mutex
	s        *Session
	released bool
}

func (l *Lease) session() *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s
}

func (l *Lease) Key() Key { return l.session().key }

// Page returns the session's current page. After Refresh this is a new page.
func (l *Lease) Page() browser.Page {
	if p := l.session().currentPage(); p != nil {
		return p
	}
	return closedPage{}
}

func (l *Lease) Adapter() marketplace.Adapter { return l.session().adapter }

// Refresh expires the borrowed session and sends the key back through the
// login state machine, keeping the lease on the new session.
func (l *Lease) Refresh(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrNoSession
	}
	old := l.s
	old.destroy(Expired)
	<-old.lease
	l.r.logger.Info("session refresh requested", "partner_id", old.key.PartnerID, "marketplace_id", old.key.MarketplaceID)

	for {
		s, err := l.r.ensure(ctx, old.key)
		if err != nil {
			// Keep holding a token so Release stays balanced.
			old.lease <- struct{}{}
			return err
		}
		select {
		case s.lease <- struct{}{}:
		case <-ctx.Done():
			old.lease <- struct{}{}
			return ctx.Err()
		}
		if l.r.current(old.key) == s && s.usable(l.r.clock.Now()) {
			l.s = s
			return nil
		}
		<-s.lease
	}
}

// Expire marks the borrowed session as logged out and closes its page. The
// next Acquire or Refresh logs in again.
func (l *Lease) Expire() {
	s := l.session()
	l.r.logger.Info("session logged out by portal", "partner_id", s.key.PartnerID, "marketplace_id", s.key.MarketplaceID)
	s.destroy(Expired)
}

// Teardown destroys the borrowed session, used when a job is cancelled
// mid-step and the page state is unknown.
func (l *Lease) Teardown() {
	s := l.session()
	l.r.mu.Lock()
	if l.r.sessions[s.key] == s {
		delete(l.r.sessions, s.key)
	}
	l.r.mu.Unlock()
	s.destroy(s.State())
}

// Release returns the session to the pool.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	<-l.s.lease
}

// closedPage stands in for a page that was closed under the lease.
type closedPage struct{}

func (closedPage) Navigate(context.Context, string) error           { return browser.ErrClosed }
func (closedPage) WaitVisible(context.Context, string) error        { return browser.ErrClosed }
func (closedPage) Exists(context.Context, string) (bool, error)     { return false, browser.ErrClosed }
func (closedPage) Type(context.Context, string, string) error       { return browser.ErrClosed }
func (closedPage) Click(context.Context, string) error              { return browser.ErrClosed }
func (closedPage) SetFiles(context.Context, string, []string) error { return browser.ErrClosed }
func (closedPage) Text(context.Context, string) (string, error)     { return "", browser.ErrClosed }
func (closedPage) HTML(context.Context) (string, error)             { return "", browser.ErrClosed }
func (closedPage) Location(context.Context) (string, error)         { return "", browser.ErrClosed }
func (closedPage) Close() error                                     { return nil }
