// Package media stages remote product media on local disk for upload and
// extracts specifications from PDF spec sheets.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxBytes caps a single downloaded file.
const DefaultMaxBytes = 200 << 20

var ErrTooLarge = errors.New("media file exceeds size limit")

// Stager downloads media into a per-job temporary directory.
type Stager struct {
	client   *http.Client
	baseDir  string
	limit    int
	maxBytes int64
	logger   *slog.Logger
}

type Options struct {
	Client *http.Client
	// BaseDir holds per-job directories. Empty means os.TempDir().
	BaseDir string
	// Concurrency bounds parallel downloads. Defaults to 4.
	Concurrency int
	MaxBytes    int64
	Logger      *slog.Logger
}

func NewStager(opts Options) *Stager {
	s := &Stager{
		client:   opts.Client,
		baseDir:  opts.BaseDir,
		limit:    opts.Concurrency,
		maxBytes: opts.MaxBytes,
		logger:   opts.Logger,
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 2 * time.Minute}
	}
	if s.limit <= 0 {
		s.limit = 4
	}
	if s.maxBytes <= 0 {
		s.maxBytes = DefaultMaxBytes
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Batch is a set of staged files. Cleanup must run whatever happens to the
// upload.
type Batch struct {
	Dir   string
	Files []string
}

// Cleanup removes every staged file. Safe on a nil Batch and safe to call
// twice.
func (b *Batch) Cleanup() error {
	if b == nil || b.Dir == "" {
		return nil
	}
	return os.RemoveAll(b.Dir)
}

// Stage downloads urls in parallel, preserving their order in Files. On
// error nothing is left on disk.
func (s *Stager) Stage(ctx context.Context, jobID string, urls []string) (*Batch, error) {
	if s.baseDir != "" {
		if err := os.MkdirAll(s.baseDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating media directory: %w", err)
		}
	}
	dir, err := os.MkdirTemp(s.baseDir, "cardpilot-"+safeName(jobID)+"-")
	if err != nil {
		return nil, fmt.Errorf("creating media directory: %w", err)
	}
	b := &Batch{Dir: dir, Files: make([]string, len(urls))}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	for i, u := range urls {
		g.Go(func() error {
			p, err := s.download(gCtx, dir, i, u)
			if err != nil {
				return fmt.Errorf("staging media %d: %w", i, err)
			}
			b.Files[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.Cleanup()
		return nil, err
	}
	s.logger.Debug("media staged", "job_id", jobID, "files", len(urls))
	return b, nil
}

func (s *Stager) download(ctx context.Context, dir string, i int, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("unsupported media URL %q", raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", u.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: unexpected status %d", u.Host, resp.StatusCode)
	}

	name := fmt.Sprintf("%02d-%s", i, fileName(u, resp.Header.Get("Content-Type")))
	p := filepath.Join(dir, name)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", name, err)
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, s.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	if n > s.maxBytes {
		return "", ErrTooLarge
	}
	return p, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}

// fileName derives a local name from the URL path, adding an extension from
// the content type when the path has none.
func fileName(u *url.URL, contentType string) string {
	base := safeName(path.Base(u.Path))
	if base == "" || base == "." || base == "_" {
		base = "media"
	}
	if path.Ext(base) == "" && contentType != "" {
		mt, _, _ := mime.ParseMediaType(contentType)
		if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
			base += exts[0]
		}
	}
	return strings.TrimLeft(base, ".")
}
