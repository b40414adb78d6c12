package browser

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakePage is an in-memory Page for tests. Elements present in the page are
// keys of Elements; waiting on a missing element blocks until ctx is done,
// as a real browser would.
type FakePage struct {
	mu sync.Mutex

	URL      string
	Document string
	Elements map[string]string // selector -> text content
	Values   map[string]string // typed input values
	Files    map[string][]string
	Clicks   []string
	Visits   []string
	Closed   bool

	// Errors makes any operation on the selector (or the URL, for
	// Navigate) fail with the given error.
	Errors map[string]error
	// OnClick mutates the page after a click on the selector.
	OnClick map[string]func(p *FakePage)
	// OnNavigate mutates the page after navigation.
	OnNavigate func(p *FakePage, url string)
}

func NewFakePage() *FakePage {
	return &FakePage{
		Elements: map[string]string{},
		Values:   map[string]string{},
		Files:    map[string][]string{},
		Errors:   map[string]error{},
		OnClick:  map[string]func(*FakePage){},
	}
}

// Show adds (or replaces) an element. Safe to call from hooks.
func (f *FakePage) Show(selector, text string) {
	f.Elements[selector] = text
}

// Hide removes an element. Safe to call from hooks.
func (f *FakePage) Hide(selector string) {
	delete(f.Elements, selector)
}

// SetElement adds an element from outside hooks.
func (f *FakePage) SetElement(selector, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Elements[selector] = text
}

// RemoveElement removes an element from outside hooks.
func (f *FakePage) RemoveElement(selector string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Elements, selector)
}

// SetError configures a failure for selector. A nil err clears it.
func (f *FakePage) SetError(selector string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Errors, selector)
		return
	}
	f.Errors[selector] = err
}

// ClickCount returns how many times selector was clicked.
func (f *FakePage) ClickCount(selector string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Clicks {
		if c == selector {
			n++
		}
	}
	return n
}

// Value returns the text typed into selector.
func (f *FakePage) Value(selector string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Values[selector]
}

// IsClosed reports whether Close was called.
func (f *FakePage) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Closed
}

// waitFor blocks until selector is present. Callers hold no lock.
func (f *FakePage) waitFor(ctx context.Context, selector string) error {
	for {
		f.mu.Lock()
		if f.Closed {
			f.mu.Unlock()
			return ErrClosed
		}
		if err, ok := f.Errors[selector]; ok {
			f.mu.Unlock()
			return err
		}
		_, present := f.Elements[selector]
		f.mu.Unlock()
		if present {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fakePoll():
		}
	}
}

func (f *FakePage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if f.Closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if err, ok := f.Errors[url]; ok {
		f.mu.Unlock()
		return err
	}
	f.URL = url
	f.Visits = append(f.Visits, url)
	if f.OnNavigate != nil {
		f.OnNavigate(f, url)
	}
	f.mu.Unlock()
	return nil
}

func (f *FakePage) WaitVisible(ctx context.Context, selector string) error {
	return f.waitFor(ctx, selector)
}

func (f *FakePage) Exists(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Closed {
		return false, ErrClosed
	}
	_, ok := f.Elements[selector]
	return ok, nil
}

func (f *FakePage) Type(ctx context.Context, selector, text string) error {
	if err := f.waitFor(ctx, selector); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Values[selector] = text
	return nil
}

func (f *FakePage) Click(ctx context.Context, selector string) error {
	if err := f.waitFor(ctx, selector); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Clicks = append(f.Clicks, selector)
	if hook, ok := f.OnClick[selector]; ok {
		hook(f)
	}
	return nil
}

func (f *FakePage) SetFiles(ctx context.Context, selector string, paths []string) error {
	if err := f.waitFor(ctx, selector); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Files[selector] = append([]string(nil), paths...)
	return nil
}

func (f *FakePage) Text(ctx context.Context, selector string) (string, error) {
	if err := f.waitFor(ctx, selector); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Elements[selector], nil
}

func (f *FakePage) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Document, nil
}

func (f *FakePage) Location(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.URL, nil
}

func (f *FakePage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// FakeLauncher hands out pages built by New, recording every page opened.
type FakeLauncher struct {
	New func(name string) *FakePage

	mu    sync.Mutex
	Pages []*FakePage
	Names []string
	Err   error
}

func (l *FakeLauncher) NewPage(ctx context.Context, name string) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, fmt.Errorf("starting browser: %w", l.Err)
	}
	var p *FakePage
	if l.New != nil {
		p = l.New(name)
	} else {
		p = NewFakePage()
	}
	l.Pages = append(l.Pages, p)
	l.Names = append(l.Names, name)
	return p, nil
}

// Opened returns how many pages were opened.
func (l *FakeLauncher) Opened() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Pages)
}

func (l *FakeLauncher) Close() error { return nil }

func fakePoll() <-chan time.Time {
	return time.After(5 * time.Millisecond)
}
