package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/cardpilot/internal/browser"
	"github.com/kalambet/cardpilot/internal/classify"
	"github.com/kalambet/cardpilot/internal/escalation"
	"github.com/kalambet/cardpilot/internal/marketplace"
	"github.com/kalambet/cardpilot/internal/media"
	"github.com/kalambet/cardpilot/internal/recovery"
	"github.com/kalambet/cardpilot/internal/session"
	"github.com/kalambet/cardpilot/internal/storage"
	"github.com/kalambet/cardpilot/internal/vault"
)

const (
	loginURL = "https://portal.test/login"
	formURL  = "https://portal.test/products/new"
)

func testProfile() *marketplace.Profile {
	return &marketplace.Profile{
		ID:         "testmarket",
		SessionTTL: time.Hour,
		Login: marketplace.LoginProfile{
			URL:      loginURL,
			Username: "#user",
			Password: "#pass",
			Submit:   "#login",
			Success:  "#dashboard",
			Error:    "#login-error",
			Captcha:  "#captcha",
		},
		ProductForm: marketplace.FormProfile{
			URL:                 formURL,
			Ready:               "#product-form",
			Title:               "#title",
			Description:         "#description",
			Price:               "#price",
			SpecField:           "#spec-{key}",
			MediaInput:          "#media",
			Submit:              "#publish",
			Confirmation:        "#created",
			ConfirmationAttr:    "data-product-id",
			ConfirmationPattern: `Product ID[:\s]+(\d+)`,
		},
	}
}

// portalPage simulates a healthy seller portal.
func portalPage() *browser.FakePage {
	page := browser.NewFakePage()
	page.OnNavigate = func(p *browser.FakePage, url string) {
		switch url {
		case loginURL:
			p.Show("#user", "")
			p.Show("#pass", "")
			p.Show("#login", "")
		case formURL:
			for _, sel := range []string{"#product-form", "#title", "#description", "#price", "#media", "#publish", "#spec-Material"} {
				p.Show(sel, "")
			}
		}
	}
	page.OnClick["#login"] = func(p *browser.FakePage) {
		p.Hide("#user")
		p.Hide("#pass")
		p.Show("#dashboard", "")
	}
	page.OnClick["#publish"] = func(p *browser.FakePage) {
		p.Show("#created", "Product ID: 98765")
		p.Document = `<html><body><div id="created" data-product-id="98765">Card created</div></body></html>`
	}
	return page
}

type staticCreds struct{ err error }

func (s staticCreds) Resolve(ctx context.Context, partnerID, marketplaceID string) (*vault.Credentials, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &vault.Credentials{Username: "seller", Password: []byte("secret")}, nil
}

type stubProposer struct {
	mu       sync.Mutex
	calls    int
	analysis string
	actions  []recovery.Action
}

func (s *stubProposer) Propose(ctx context.Context, pc recovery.PromptContext) recovery.Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return recovery.Proposal{Analysis: s.analysis, Actions: s.actions}
}

func (s *stubProposer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type countingEscalator struct {
	sink     *escalation.Sink
	mu       sync.Mutex
	calls    int
	attempts [][]recovery.Action
}

func (c *countingEscalator) Escalate(ctx context.Context, ev classify.Event, attempted []recovery.Action) (string, error) {
	c.mu.Lock()
	c.calls++
	c.attempts = append(c.attempts, attempted)
	c.mu.Unlock()
	return c.sink.Escalate(ctx, ev, attempted)
}

type harness struct {
	store     *storage.Store
	launcher  *browser.FakeLauncher
	sessions  *session.Registry
	kb        *recovery.KnowledgeBase
	proposer  *stubProposer
	escalator *countingEscalator
	engine    *recovery.Engine
	pipeline  *Pipeline
	mediaDir  string
	mediaURL  string
}

type harnessOpts struct {
	page  func(n int) *browser.FakePage // n counts pages opened, from 0
	creds staticCreds
	form  time.Duration
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/img/front.jpg" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("jpeg"))
	}))
	t.Cleanup(srv.Close)

	var opened atomic.Int32
	launcher := &browser.FakeLauncher{New: func(name string) *browser.FakePage {
		n := int(opened.Add(1)) - 1
		if opts.page != nil {
			return opts.page(n)
		}
		return portalPage()
	}}

	sessions := session.NewRegistry(session.Config{
		Adapters:     marketplace.NewRegistry(marketplace.NewProfileAdapter(testProfile())),
		Credentials:  opts.creds,
		Launcher:     launcher,
		LoginTimeout: time.Second,
	})
	t.Cleanup(func() { sessions.Close() })

	kb := recovery.NewKnowledgeBase(store)
	proposer := &stubProposer{}
	esc := &countingEscalator{sink: escalation.NewSink(store, nil)}
	noSleep := func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	engine := recovery.NewEngine(recovery.Config{
		Knowledge: kb,
		Proposer:  proposer,
		Escalator: esc,
		Audit:     store,
		Sleep:     noSleep,
	})

	mediaDir := t.TempDir()
	form := opts.form
	if form == 0 {
		form = 150 * time.Millisecond
	}
	p := New(Config{
		Sessions: sessions,
		Healer:   engine,
		Store:    store,
		Media:    media.NewStager(media.Options{BaseDir: mediaDir}),
		Timeouts: Timeouts{
			Navigation: 300 * time.Millisecond,
			Form:       form,
			Upload:     time.Second,
			Submit:     300 * time.Millisecond,
		},
		WaitPerFile: time.Second,
		Sleep:       noSleep,
	})

	return &harness{
		store:     store,
		launcher:  launcher,
		sessions:  sessions,
		kb:        kb,
		proposer:  proposer,
		escalator: esc,
		engine:    engine,
		pipeline:  p,
		mediaDir:  mediaDir,
		mediaURL:  srv.URL + "/img/front.jpg",
	}
}

func (h *harness) newJob(t *testing.T) *Job {
	t.Helper()
	job := NewJob("partner-1", "testmarket", Payload{
		Title:       "Linen shirt",
		Description: "Breathable summer shirt",
		Price:       "2490",
		Images:      []string{h.mediaURL},
		Specs:       map[string]string{"Material": "linen", "Fit": "regular"},
	})
	if err := h.store.EnqueueJob(job.Record()); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return job
}

func (h *harness) assertMediaCleaned(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.mediaDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("%d staged media entries left behind", len(entries))
	}
}

func (h *harness) storedJob(t *testing.T, id string) storage.ListingJob {
	t.Helper()
	rec, err := h.store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return rec
}

// --- end-to-end scenarios ---

func TestLoginSuccessConfirmsJob(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.newJob(t)

	res, err := h.pipeline.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.State != Confirmed || job.ResultProductID != "98765" {
		t.Fatalf("job = %+v, want confirmed with product id", job)
	}
	if res.Event != nil || res.Message != "" {
		t.Errorf("result = %+v, want clean success", res)
	}

	infos := h.sessions.List()
	if len(infos) != 1 || infos[0].State != session.Authenticated || infos[0].Leased {
		t.Errorf("sessions = %+v, want one released authenticated session", infos)
	}

	page := h.launcher.Pages[0]
	if page.Value("#title") != "Linen shirt" || page.Value("#spec-Material") != "linen" {
		t.Errorf("form values = %v", page.Values)
	}
	if _, ok := page.Values["#spec-Fit"]; ok {
		t.Error("spec field missing from the form should be skipped")
	}
	if len(page.Files["#media"]) != 1 {
		t.Errorf("uploaded files = %v", page.Files)
	}
	h.assertMediaCleaned(t)

	rec := h.storedJob(t, job.ID)
	if rec.State != storage.JobConfirmed || rec.ResultProductID != "98765" {
		t.Errorf("stored job = %+v", rec)
	}
}

func TestSelectorRecoveryIsLearned(t *testing.T) {
	h := newHarness(t, harnessOpts{page: func(int) *browser.FakePage {
		page := portalPage()
		page.OnNavigate = func(p *browser.FakePage, url string) {
			switch url {
			case loginURL:
				p.Show("#user", "")
				p.Show("#pass", "")
				p.Show("#login", "")
			case formURL:
				// The portal renamed the title input.
				for _, sel := range []string{"#product-form", "#product-title", "#description", "#price", "#media", "#publish"} {
					p.Show(sel, "")
				}
			}
		}
		return page
	}})
	h.proposer.actions = []recovery.Action{{
		Type:        recovery.ChangeSelector,
		Description: "use renamed title input",
		Automated:   true,
		Parameters:  map[string]string{"selector": "#product-title"},
	}}
	job := h.newJob(t)

	res, err := h.pipeline.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.State != Confirmed || job.ResultProductID == "" {
		t.Fatalf("job = %+v, want confirmed", job)
	}
	if res.Event == nil || res.Event.Type != classify.Selector || res.Event.Severity != classify.Medium {
		t.Fatalf("event = %+v, want SELECTOR/medium", res.Event)
	}
	if res.Event.Context.Selector != "#title" {
		t.Errorf("event selector = %q", res.Event.Context.Selector)
	}
	if h.launcher.Pages[0].Value("#product-title") != "Linen shirt" {
		t.Error("title not typed into the replacement selector")
	}

	known := h.kb.Lookup(classify.Selector)
	if len(known) == 0 || known[0].Type != recovery.ChangeSelector {
		t.Fatalf("kb[SELECTOR] = %+v, want change_selector first", known)
	}

	stored, err := h.store.GetErrorEvent(res.Event.ID)
	if err != nil || stored.ErrorType != "SELECTOR" || stored.JobID != job.ID {
		t.Errorf("stored event = %+v, %v", stored, err)
	}

	// The next job with the same breakage is healed from the knowledge base.
	job2 := h.newJob(t)
	if _, err := h.pipeline.Run(context.Background(), job2); err != nil || job2.State != Confirmed {
		t.Fatalf("second job = %+v, err = %v", job2, err)
	}
	if n := h.proposer.callCount(); n != 1 {
		t.Errorf("proposer calls = %d, want 1", n)
	}
}

func TestNetworkFailureExhaustsRetriesAndEscalates(t *testing.T) {
	h := newHarness(t, harnessOpts{page: func(int) *browser.FakePage {
		page := portalPage()
		page.Errors[loginURL] = errors.New("net::ERR_CONNECTION_REFUSED")
		return page
	}})
	h.proposer.actions = []recovery.Action{{Type: recovery.Retry, Description: "retry login", Automated: true}}
	job := h.newJob(t)

	res, err := h.pipeline.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.State != Failed || !job.RequiresManual || job.FailureReason != ReasonRecoveryExhausted {
		t.Fatalf("job = %+v", job)
	}
	if res.Event.Type != classify.Network {
		t.Errorf("event type = %s, want NETWORK", res.Event.Type)
	}
	if h.escalator.calls != 1 {
		t.Fatalf("escalations = %d, want 1", h.escalator.calls)
	}
	if n := len(h.escalator.attempts[0]); n != 3 {
		t.Errorf("escalated with %d actions, want 3", n)
	}
	if res.Message != ManualMessage || res.TicketID == "" || job.TicketID != res.TicketID {
		t.Errorf("result = %+v", res)
	}

	ticket, err := h.store.GetTicket(res.TicketID)
	if err != nil || ticket.Priority != escalation.PriorityHigh || ticket.JobID != job.ID {
		t.Errorf("ticket = %+v, %v", ticket, err)
	}
	attempts, err := h.store.ListRecoveryAttempts(res.Event.ID)
	if err != nil || len(attempts) != 3 {
		t.Errorf("persisted attempts = %d, %v; want 3", len(attempts), err)
	}
	if n := h.launcher.Opened(); n != 4 {
		t.Errorf("pages opened = %d, want 4 (first login + 3 retries)", n)
	}
	rec := h.storedJob(t, job.ID)
	if rec.State != storage.JobFailed || !rec.RequiresManual || rec.TicketID != res.TicketID {
		t.Errorf("stored job = %+v", rec)
	}
}

// unconfirmedPortal accepts the publish click but never shows the created
// card, so only a submit fallback can finish the job.
func unconfirmedPortal(int) *browser.FakePage {
	page := portalPage()
	page.OnClick["#publish"] = func(p *browser.FakePage) {}
	return page
}

func TestSubmitFallbackConfirmsWithItsProductID(t *testing.T) {
	h := newHarness(t, harnessOpts{page: unconfirmedPortal})
	h.proposer.actions = []recovery.Action{{Type: recovery.Fallback, Description: "create via seller API", Automated: true}}
	h.engine.RegisterFallback("testmarket", marketplace.StepSubmit, func(ctx context.Context, ev classify.Event) (string, error) {
		return "P-900", nil
	})
	job := h.newJob(t)

	if _, err := h.pipeline.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.State != Confirmed || job.ResultProductID != "P-900" {
		t.Fatalf("job = %+v, want confirmed with the fallback's product id", job)
	}
	if rec := h.storedJob(t, job.ID); rec.ResultProductID != "P-900" {
		t.Errorf("stored product id = %q", rec.ResultProductID)
	}
}

func TestSubmitFallbackWithoutProductIDEscalates(t *testing.T) {
	h := newHarness(t, harnessOpts{page: unconfirmedPortal})
	h.proposer.actions = []recovery.Action{{Type: recovery.Fallback, Description: "create via seller API", Automated: true}}
	h.engine.RegisterFallback("testmarket", marketplace.StepSubmit, func(ctx context.Context, ev classify.Event) (string, error) {
		return "", nil
	})
	job := h.newJob(t)

	res, err := h.pipeline.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.State != Failed || job.ResultProductID != "" || job.FailureReason != ReasonRecoveryExhausted {
		t.Fatalf("job = %+v, want failed without a product id", job)
	}
	if res.TicketID == "" || h.escalator.calls != 1 {
		t.Errorf("result = %+v, escalations = %d; want a ticket", res, h.escalator.calls)
	}
	if len(res.Actions) != 1 || res.Actions[0].Type != recovery.Fallback || res.Actions[0].Success {
		t.Errorf("actions = %+v, want one failed fallback", res.Actions)
	}
	if rec := h.storedJob(t, job.ID); rec.State != storage.JobFailed || rec.ResultProductID != "" {
		t.Errorf("stored job = %+v", rec)
	}
}

func TestCaptchaEscalatesWithoutRetry(t *testing.T) {
	h := newHarness(t, harnessOpts{page: func(int) *browser.FakePage {
		page := portalPage()
		page.OnClick["#login"] = func(p *browser.FakePage) {
			p.Show("#captcha", "")
		}
		return page
	}})
	h.proposer.actions = []recovery.Action{{Type: recovery.Retry, Automated: true}}
	job := h.newJob(t)

	res, err := h.pipeline.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Event.Type != classify.Captcha || res.Event.Severity != classify.High {
		t.Errorf("event = %s/%s, want CAPTCHA/high", res.Event.Type, res.Event.Severity)
	}
	if infos := h.sessions.List(); len(infos) != 1 || infos[0].State != session.AwaitingCaptcha {
		t.Errorf("sessions = %+v, want awaiting captcha", infos)
	}
	if h.escalator.calls != 1 || len(h.escalator.attempts[0]) != 0 {
		t.Errorf("escalations = %d, attempts = %v", h.escalator.calls, h.escalator.attempts)
	}
	if h.proposer.callCount() != 0 || len(res.Actions) != 0 {
		t.Error("captcha escalation must not consume recovery actions")
	}
	if h.launcher.Opened() != 1 {
		t.Errorf("pages opened = %d, want 1", h.launcher.Opened())
	}
	if job.State != Failed || !job.RequiresManual {
		t.Errorf("job = %+v", job)
	}
}

// --- other paths ---

func TestMediaCleanedUpAfterUploadFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{page: func(int) *browser.FakePage {
		page := portalPage()
		page.Errors["#media"] = errors.New("upload rejected by portal")
		return page
	}})
	job := h.newJob(t)

	res, err := h.pipeline.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.State != Failed || res.Event.Context.Step != string(marketplace.StepUploadMedia) {
		t.Fatalf("job = %+v, event = %+v", job, res.Event)
	}
	h.assertMediaCleaned(t)
}

func TestMediaStagingFailureIsStepFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.newJob(t)
	job.Payload.Images = []string{h.mediaURL, h.mediaURL + ".missing"}

	res, _ := h.pipeline.Run(context.Background(), job)
	if job.State != Failed || res.Event == nil || res.Event.Context.Step != string(marketplace.StepUploadMedia) {
		t.Fatalf("job = %+v, event = %+v", job, res.Event)
	}
	h.assertMediaCleaned(t)
}

func TestLogoutRecoveredBySessionRefresh(t *testing.T) {
	h := newHarness(t, harnessOpts{page: func(n int) *browser.FakePage {
		page := portalPage()
		if n == 0 {
			// The first session is dropped by the portal.
			page.OnNavigate = func(p *browser.FakePage, url string) {
				p.Show("#user", "")
				p.Show("#pass", "")
				p.Show("#login", "")
			}
		}
		return page
	}})
	h.proposer.actions = []recovery.Action{{Type: recovery.RefreshSession, Automated: true}}
	job := h.newJob(t)

	res, err := h.pipeline.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.State != Confirmed {
		t.Fatalf("job = %+v, event = %+v", job, res.Event)
	}
	if res.Event.Type != classify.Auth {
		t.Errorf("event type = %s, want AUTH", res.Event.Type)
	}
	if !h.launcher.Pages[0].IsClosed() {
		t.Error("logged-out page should be closed")
	}
	if known := h.kb.Lookup(classify.Auth); len(known) == 0 || known[0].Type != recovery.RefreshSession {
		t.Errorf("kb[AUTH] = %+v", known)
	}
}

func TestCredentialsUnavailableIsHard(t *testing.T) {
	h := newHarness(t, harnessOpts{creds: staticCreds{err: vault.ErrCredentialsUnavailable}})
	job := h.newJob(t)

	res, err := h.pipeline.Run(context.Background(), job)
	if !errors.Is(err, vault.ErrCredentialsUnavailable) {
		t.Fatalf("err = %v, want ErrCredentialsUnavailable", err)
	}
	if job.State != Failed || job.FailureReason != ReasonCredentialsUnavailable {
		t.Errorf("job = %+v", job)
	}
	if h.proposer.callCount() != 0 || h.escalator.calls != 0 {
		t.Error("missing credentials must not be recovered or escalated")
	}
	if res.Event == nil {
		t.Fatal("failure must still record an error event")
	}
	if _, err := h.store.GetErrorEvent(res.Event.ID); err != nil {
		t.Errorf("event not persisted: %v", err)
	}
}

type brokenTickets struct{}

func (brokenTickets) CreateTicket(storage.Ticket) error { return errors.New("ticket table locked") }

func TestEscalationFailureIsHard(t *testing.T) {
	h := newHarness(t, harnessOpts{page: func(int) *browser.FakePage {
		page := portalPage()
		page.Errors["#media"] = errors.New("upload rejected by portal")
		return page
	}})
	h.escalator.sink = escalation.NewSink(brokenTickets{}, nil)
	job := h.newJob(t)

	_, err := h.pipeline.Run(context.Background(), job)
	var f *escalation.Failure
	if !errors.As(err, &f) {
		t.Fatalf("err = %v, want *escalation.Failure", err)
	}
	if job.State != Failed || job.FailureReason != ReasonEscalationFailed || !job.RequiresManual {
		t.Errorf("job = %+v", job)
	}
}

func TestCancelBeforeStart(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.newJob(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.pipeline.Run(ctx, job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.State != Failed || job.FailureReason != ReasonCancelled {
		t.Errorf("job = %+v", job)
	}
	if h.launcher.Opened() != 0 {
		t.Error("cancelled job should not open a browser")
	}
	if res.Event == nil {
		t.Error("cancelled job should record an event")
	}
}

func TestCancelMidStepTearsDownSession(t *testing.T) {
	h := newHarness(t, harnessOpts{
		form: 5 * time.Second,
		page: func(int) *browser.FakePage {
			page := portalPage()
			page.OnNavigate = func(p *browser.FakePage, url string) {
				if url == loginURL {
					p.Show("#user", "")
					p.Show("#pass", "")
					p.Show("#login", "")
					return
				}
				// The form never renders its title field.
				p.Show("#product-form", "")
			}
			return page
		},
	})
	job := h.newJob(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	res, err := h.pipeline.Run(ctx, job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("cancellation did not interrupt the step")
	}
	if job.State != Failed || job.FailureReason != ReasonCancelled {
		t.Errorf("job = %+v", job)
	}
	if res.Message != "job cancelled" {
		t.Errorf("message = %q", res.Message)
	}
	if !h.launcher.Pages[0].IsClosed() {
		t.Error("page should be torn down")
	}
	if len(h.sessions.List()) != 0 {
		t.Error("torn-down session should leave the pool")
	}
	if h.proposer.callCount() != 0 {
		t.Error("cancelled step must not be recovered")
	}
}

func TestUnreadableSpecSheetIsSkipped(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.newJob(t)
	job.Payload.SpecSheetURL = h.mediaURL + ".pdf"

	if _, err := h.pipeline.Run(context.Background(), job); err != nil || job.State != Confirmed {
		t.Fatalf("job = %+v, err = %v", job, err)
	}
}

func TestJobRecordRoundTrip(t *testing.T) {
	job := NewJob("p", "ozon", Payload{Title: "T", Images: []string{"https://x/a.jpg"}, Video: "https://x/v.mp4"})
	back, err := FromRecord(job.Record())
	if err != nil {
		t.Fatalf("FromRecord: %v", err)
	}
	if back.Payload.Title != "T" || len(back.Payload.MediaURLs()) != 2 || back.State != Queued {
		t.Errorf("round trip = %+v", back)
	}
	if _, err := FromRecord(storage.ListingJob{ID: "x", PayloadJSON: "{"}); err == nil {
		t.Error("expected error for corrupt payload")
	}
}

func TestPayloadValidate(t *testing.T) {
	if err := (Payload{}).Validate(); err == nil {
		t.Error("empty title should be rejected")
	}
	if err := (Payload{Title: "x", Images: []string{" "}}).Validate(); err == nil {
		t.Error("blank image URL should be rejected")
	}
	if err := (Payload{Title: "x"}).Validate(); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}
}
