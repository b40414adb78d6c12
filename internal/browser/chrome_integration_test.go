//go:build integration

package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const loginPage = `<!doctype html>
<html><body>
<form id="login" onsubmit="event.preventDefault(); document.getElementById('done').hidden = false; document.getElementById('who').textContent = document.getElementById('user').value;">
  <input id="user"><input id="pass" type="password">
  <input id="media" type="file" multiple>
  <button id="go" type="submit">Sign in</button>
</form>
<div id="done" hidden>Welcome <span id="who"></span></div>
</body></html>`

func requireChrome(t *testing.T) {
	t.Helper()
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell"} {
		if _, err := exec.LookPath(name); err == nil {
			return
		}
	}
	t.Skip("no Chrome binary on PATH, skipping integration test")
}

func TestChromePage_RealBrowser(t *testing.T) {
	requireChrome(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(loginPage))
	}))
	defer srv.Close()

	l := NewChromeLauncher(Options{Headless: true})
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	page, err := l.NewPage(ctx, "acme/ozon")
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	defer page.Close()

	if err := page.Navigate(ctx, srv.URL+"/login"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if loc, err := page.Location(ctx); err != nil || !strings.HasSuffix(loc, "/login") {
		t.Errorf("Location = %q, %v", loc, err)
	}
	if err := page.Type(ctx, "#user", "seller@acme"); err != nil {
		t.Fatalf("Type: %v", err)
	}

	file := filepath.Join(t.TempDir(), "front.jpg")
	os.WriteFile(file, []byte("jpeg"), 0o644)
	if err := page.SetFiles(ctx, "#media", []string{file}); err != nil {
		t.Fatalf("SetFiles: %v", err)
	}

	if err := page.Click(ctx, "#go"); err != nil {
		t.Fatalf("Click: %v", err)
	}
	if err := page.WaitVisible(ctx, "#done"); err != nil {
		t.Fatalf("WaitVisible: %v", err)
	}
	text, err := page.Text(ctx, "#who")
	if err != nil || text != "seller@acme" {
		t.Errorf("Text = %q, %v", text, err)
	}

	ok, err := page.Exists(ctx, "#missing")
	if err != nil || ok {
		t.Errorf("Exists(#missing) = %v, %v", ok, err)
	}
	doc, err := page.HTML(ctx)
	if err != nil || !strings.Contains(doc, `id="login"`) {
		t.Errorf("HTML missing form: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer waitCancel()
	if err := page.WaitVisible(waitCtx, "#never"); err == nil {
		t.Error("expected WaitVisible on an absent element to time out")
	}
}
