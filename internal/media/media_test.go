package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func mediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.jpg":
			w.Write([]byte("jpeg-bytes"))
		case "/photo":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("png-bytes"))
		case "/big.jpg":
			w.Write([]byte(strings.Repeat("x", 2048)))
		case "/slow.jpg":
			time.Sleep(20 * time.Millisecond)
			w.Write([]byte("slow"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dirEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	return entries
}

func TestStageDownloadsInOrder(t *testing.T) {
	srv := mediaServer(t)
	base := t.TempDir()
	s := NewStager(Options{BaseDir: base})

	b, err := s.Stage(context.Background(), "job/1", []string{srv.URL + "/slow.jpg", srv.URL + "/a.jpg", srv.URL + "/photo"})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if len(b.Files) != 3 {
		t.Fatalf("files = %v", b.Files)
	}
	if !strings.HasSuffix(b.Files[0], "00-slow.jpg") || !strings.HasSuffix(b.Files[1], "01-a.jpg") {
		t.Errorf("files out of order: %v", b.Files)
	}
	if filepath.Ext(b.Files[2]) != ".png" {
		t.Errorf("extension not taken from content type: %s", b.Files[2])
	}
	data, err := os.ReadFile(b.Files[1])
	if err != nil || string(data) != "jpeg-bytes" {
		t.Errorf("content = %q, %v", data, err)
	}
	if strings.Contains(filepath.Base(b.Dir), "/") {
		t.Errorf("job id not sanitized: %s", b.Dir)
	}

	if err := b.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n := len(dirEntries(t, base)); n != 0 {
		t.Errorf("%d entries left after cleanup", n)
	}
	if err := b.Cleanup(); err != nil {
		t.Errorf("second Cleanup: %v", err)
	}
}

func TestStageFailureLeavesNothing(t *testing.T) {
	srv := mediaServer(t)
	base := t.TempDir()
	s := NewStager(Options{BaseDir: base})

	_, err := s.Stage(context.Background(), "job-2", []string{srv.URL + "/a.jpg", srv.URL + "/missing.jpg"})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("err = %v, want 404", err)
	}
	if n := len(dirEntries(t, base)); n != 0 {
		t.Errorf("%d entries left after failed stage", n)
	}
}

func TestStageSizeLimit(t *testing.T) {
	srv := mediaServer(t)
	s := NewStager(Options{BaseDir: t.TempDir(), MaxBytes: 1024})
	_, err := s.Stage(context.Background(), "job-3", []string{srv.URL + "/big.jpg"})
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}

func TestStageRejectsNonHTTP(t *testing.T) {
	s := NewStager(Options{BaseDir: t.TempDir()})
	if _, err := s.Stage(context.Background(), "job-4", []string{"file:///etc/passwd"}); err == nil {
		t.Error("expected error for file URL")
	}
}

func TestStageBoundedConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	s := NewStager(Options{BaseDir: t.TempDir(), Concurrency: 2})
	urls := make([]string, 8)
	for i := range urls {
		urls[i] = srv.URL + "/img.jpg"
	}
	b, err := s.Stage(context.Background(), "job-5", urls)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	defer b.Cleanup()
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestNilBatchCleanup(t *testing.T) {
	var b *Batch
	if err := b.Cleanup(); err != nil {
		t.Errorf("Cleanup on nil batch: %v", err)
	}
}

func TestParseSpecLines(t *testing.T) {
	text := "Product sheet\nMaterial: cotton\n  Country  of origin :  Turkey \nWeight: 120 g\nMaterial: wool\nNotes:\n: orphan\n"
	got := ParseSpecLines(text)
	want := map[string]string{"Material": "cotton", "Country of origin": "Turkey", "Weight": "120 g"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestMergeSpecsKeepsExisting(t *testing.T) {
	got := MergeSpecs(map[string]string{"Material": "linen"}, map[string]string{"Material": "cotton", "Weight": "1 kg"})
	if got["Material"] != "linen" || got["Weight"] != "1 kg" {
		t.Errorf("merged = %v", got)
	}
}

func TestFetchSpecSheetRejectsNonPDF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not a pdf</html>"))
	}))
	defer srv.Close()

	s := NewStager(Options{})
	if _, err := s.FetchSpecSheet(context.Background(), srv.URL+"/sheet.pdf"); err == nil {
		t.Error("expected error for non-PDF body")
	}
}
