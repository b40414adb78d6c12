package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrEmptyCode = errors.New("second factor code is empty")

// CodeInbox holds second-factor codes relayed by an operator (an SMS or
// e-mail code the portal sent). A code may arrive before the login asks for
// it; a newer code replaces an unclaimed one. Each code is handed out once.
type CodeInbox struct {
	mu      sync.Mutex
	pending map[Key]chan string
}

func NewCodeInbox() *CodeInbox {
	return &CodeInbox{pending: make(map[Key]chan string)}
}

func (c *CodeInbox) slot(key Key) chan string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[key]
	if !ok {
		ch = make(chan string, 1)
		c.pending[key] = ch
	}
	return ch
}

// Put stores code for key, waking a login that is waiting for it.
func (c *CodeInbox) Put(key Key, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrEmptyCode
	}
	ch := c.slot(key)
	for {
		select {
		case ch <- code:
			return nil
		default:
		}
		// Drop the stale code and try again.
		select {
		case <-ch:
		default:
		}
	}
}

// Code waits for a code for key until ctx is done.
func (c *CodeInbox) Code(ctx context.Context, key Key) (string, error) {
	select {
	case code := <-c.slot(key):
		return code, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: none relayed for %s (%v)", ErrSecondFactorUnavailable, key, ctx.Err())
	}
}
