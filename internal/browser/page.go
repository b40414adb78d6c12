// Package browser drives seller-portal pages. Selectors are CSS queries.
package browser

import (
	"context"
	"errors"
)

// ErrClosed is returned by every Page method after Close.
var ErrClosed = errors.New("page closed")

// Page is one isolated browser tab with its own cookie jar. Every method
// honours ctx cancellation and deadline.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	Exists(ctx context.Context, selector string) (bool, error)
	// Type clears the field at selector and types text into it.
	Type(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	SetFiles(ctx context.Context, selector string, paths []string) error
	Text(ctx context.Context, selector string) (string, error)
	HTML(ctx context.Context) (string, error)
	Location(ctx context.Context) (string, error)
	Close() error
}

// Launcher opens pages. name identifies the owner (for example a session
// key) and selects the persistent profile directory when one is configured.
type Launcher interface {
	NewPage(ctx context.Context, name string) (Page, error)
	Close() error
}
