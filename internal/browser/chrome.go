package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chromedp/chromedp"
)

// Options configures the Chrome launcher.
type Options struct {
	Headless bool
	// RemoteURL is a DevTools websocket URL. When set, pages are opened as
	// tabs of that browser instead of launching a local process.
	RemoteURL string
	// UserDataDir, when set, keeps one profile directory per page name so
	// portal cookies survive restarts.
	UserDataDir string
	Logger      *slog.Logger
}

// ChromeLauncher opens pages backed by chromedp.
type ChromeLauncher struct {
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	remoteCtx   context.Context
	remoteClose context.CancelFunc
	closed      bool
}

func NewChromeLauncher(opts Options) *ChromeLauncher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromeLauncher{opts: opts, logger: logger}
}

func (l *ChromeLauncher) allocator() (context.Context, context.CancelFunc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, nil, ErrClosed
	}
	if l.opts.RemoteURL != "" {
		if l.remoteCtx == nil {
			l.remoteCtx, l.remoteClose = chromedp.NewRemoteAllocator(context.Background(), l.opts.RemoteURL)
		}
		// Remote tabs share the allocator; closing a page only closes its tab.
		return l.remoteCtx, func() {}, nil
	}
	return nil, nil, nil
}

func (l *ChromeLauncher) execOptions(name string) ([]chromedp.ExecAllocatorOption, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.opts.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1400, 900),
	)
	if l.opts.UserDataDir != "" {
		dir := filepath.Join(l.opts.UserDataDir, sanitizeName(name))
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating profile directory: %w", err)
		}
		opts = append(opts, chromedp.UserDataDir(dir))
	}
	return opts, nil
}

// NewPage starts an isolated browser (or a tab on the remote browser) and
// returns its page.
func (l *ChromeLauncher) NewPage(ctx context.Context, name string) (Page, error) {
	allocCtx, allocCancel, err := l.allocator()
	if err != nil {
		return nil, err
	}
	if allocCtx == nil {
		opts, err := l.execOptions(name)
		if err != nil {
			return nil, err
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			l.logger.Debug(fmt.Sprintf(format, args...), "page", name)
		}),
	)
	p := &chromePage{
		tabCtx: tabCtx,
		cancel: func() {
			tabCancel()
			allocCancel()
		},
	}

	// The first Run must use the tab context itself: the browser lives as
	// long as the context that allocated it.
	if err := ctx.Err(); err != nil {
		p.Close()
		return nil, err
	}
	if err := chromedp.Run(tabCtx); err != nil {
		p.Close()
		return nil, fmt.Errorf("starting browser: %w", err)
	}
	l.logger.Debug("browser page opened", "page", name, "remote", l.opts.RemoteURL != "")
	return p, nil
}

// Close tears down the shared remote allocator. Local pages are owned by
// their sessions and closed individually.
func (l *ChromeLauncher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.remoteClose != nil {
		l.remoteClose()
	}
	return nil
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

type chromePage struct {
	tabCtx context.Context

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// run executes actions on the tab bounded by the caller's deadline and
// cancellation.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	runCtx, cancel := context.WithCancelCause(p.tabCtx)
	defer cancel(nil)
	if dl, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, dl)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, func() { cancel(context.Cause(ctx)) })
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *chromePage) Exists(ctx context.Context, selector string) (bool, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}
	var ok bool
	err = p.run(ctx, chromedp.Evaluate(fmt.Sprintf("document.querySelector(%s) !== null", quoted), &ok))
	return ok, err
}

func (p *chromePage) Type(ctx context.Context, selector, text string) error {
	return p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	return p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

func (p *chromePage) SetFiles(ctx context.Context, selector string, paths []string) error {
	return p.run(ctx,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.SetUploadFiles(selector, paths, chromedp.ByQuery),
	)
}

func (p *chromePage) Text(ctx context.Context, selector string) (string, error) {
	var s string
	err := p.run(ctx, chromedp.Text(selector, &s, chromedp.ByQuery))
	return strings.TrimSpace(s), err
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var s string
	err := p.run(ctx, chromedp.OuterHTML("html", &s, chromedp.ByQuery))
	return s, err
}

func (p *chromePage) Location(ctx context.Context) (string, error) {
	var s string
	err := p.run(ctx, chromedp.Location(&s))
	return s, err
}

func (p *chromePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.cancel()
	return nil
}
