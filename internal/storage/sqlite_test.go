package storage

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) == 0 || len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_listing_jobs_state_created", "idx_error_events_job", "idx_recovery_attempts_event", "idx_tickets_status_created"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().Add(-time.Minute)
	for i, id := range []string{"job-1", "job-2"} {
		err := s.EnqueueJob(ListingJob{
			ID: id, PartnerID: "p1", MarketplaceID: "ozon", PayloadJSON: `{"title":"x"}`,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("EnqueueJob(%s): %v", id, err)
		}
	}

	got, err := s.ClaimNextJob()
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil || got.ID != "job-1" {
		t.Fatalf("claimed %+v, want job-1", got)
	}
	if got.State != JobQueued {
		t.Errorf("State = %q, want %q", got.State, JobQueued)
	}

	got, err = s.ClaimNextJob()
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil || got.ID != "job-2" {
		t.Fatalf("claimed %+v, want job-2", got)
	}

	got, err = s.ClaimNextJob()
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected empty queue, claimed %s", got.ID)
	}
}

func TestUpdateAndGetJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(ListingJob{ID: "j", PartnerID: "p", MarketplaceID: "wildberries", PayloadJSON: "{}"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	job, err := s.GetJob("j")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	job.State = JobFailed
	job.RequiresManual = true
	job.TicketID = "t-1"
	job.FailureReason = "recovery_exhausted"
	if err := s.UpdateJob(job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	got, err := s.GetJob("j")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != JobFailed || !got.RequiresManual || got.TicketID != "t-1" || got.FailureReason != "recovery_exhausted" {
		t.Errorf("got %+v", got)
	}

	if err := s.UpdateJob(ListingJob{ID: "missing"}); err != ErrNotFound {
		t.Errorf("UpdateJob(missing) = %v, want ErrNotFound", err)
	}
	if _, err := s.GetJob("missing"); err != ErrNotFound {
		t.Errorf("GetJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestListJobsFilter(t *testing.T) {
	s := openTestStore(t)

	jobs := []ListingJob{
		{ID: "a", PartnerID: "p1", MarketplaceID: "ozon", PayloadJSON: "{}"},
		{ID: "b", PartnerID: "p1", MarketplaceID: "wildberries", PayloadJSON: "{}"},
		{ID: "c", PartnerID: "p2", MarketplaceID: "ozon", PayloadJSON: "{}"},
	}
	for _, j := range jobs {
		if err := s.EnqueueJob(j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	got, err := s.ListJobs(JobFilter{PartnerID: "p1"})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}

	got, err = s.ListJobs(JobFilter{MarketplaceID: "ozon", Limit: 1})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("len = %d, want 1", len(got))
	}
}

func TestCancelQueuedJob(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"queued", "claimed"} {
		if err := s.EnqueueJob(ListingJob{ID: id, PartnerID: "p", MarketplaceID: "ozon", PayloadJSON: "{}"}); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}
	if _, err := s.db.Exec(`UPDATE listing_jobs SET claimed_at = ? WHERE id = 'claimed'`, formatTime(time.Now())); err != nil {
		t.Fatalf("marking claimed: %v", err)
	}

	ok, err := s.CancelQueuedJob("queued")
	if err != nil || !ok {
		t.Fatalf("CancelQueuedJob(queued) = %v, %v; want true, nil", ok, err)
	}
	got, _ := s.GetJob("queued")
	if got.State != JobFailed || got.FailureReason != "cancelled" {
		t.Errorf("cancelled job = %+v", got)
	}

	ok, err = s.CancelQueuedJob("claimed")
	if err != nil || ok {
		t.Errorf("CancelQueuedJob(claimed) = %v, %v; want false, nil", ok, err)
	}

	if _, err := s.CancelQueuedJob("missing"); err != ErrNotFound {
		t.Errorf("CancelQueuedJob(missing) err = %v, want ErrNotFound", err)
	}
}

func TestFailInterruptedJobs(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(ListingJob{ID: "run", PartnerID: "p", MarketplaceID: "ozon", PayloadJSON: "{}"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.EnqueueJob(ListingJob{ID: "idle", PartnerID: "p", MarketplaceID: "ozon", PayloadJSON: "{}", CreatedAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	claimed, err := s.ClaimNextJob()
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextJob = %v, %v", claimed, err)
	}
	claimed.State = JobFillingForm
	if err := s.UpdateJob(*claimed); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	failed, err := s.FailInterruptedJobs()
	if err != nil {
		t.Fatalf("FailInterruptedJobs: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "run" || failed[0].State != JobFillingForm {
		t.Errorf("failed jobs = %+v, want only run in filling_form", failed)
	}
	got, _ := s.GetJob("run")
	if got.State != JobFailed || got.FailureReason != "interrupted" {
		t.Errorf("interrupted job = %+v", got)
	}
	idle, _ := s.GetJob("idle")
	if idle.State != JobQueued {
		t.Errorf("unclaimed job state = %q, want queued", idle.State)
	}
}

func TestErrorEventsAndAttempts(t *testing.T) {
	s := openTestStore(t)

	e := ErrorEvent{
		ID: "ev-1", PartnerID: "p", MarketplaceID: "ozon", JobID: "j1",
		ErrorType: "SELECTOR", Message: "element not found: #submit", Step: "submit",
		Selector: "#submit", Severity: "medium", Fingerprint: "element not found: #submit",
	}
	if err := s.LogErrorEvent(e); err != nil {
		t.Fatalf("LogErrorEvent: %v", err)
	}
	if err := s.LogErrorEvent(ErrorEvent{ID: "ev-2", PartnerID: "p", MarketplaceID: "ozon", JobID: "j2", ErrorType: "TIMEOUT", Message: "timeout", Severity: "medium"}); err != nil {
		t.Fatalf("LogErrorEvent: %v", err)
	}

	got, err := s.GetErrorEvent("ev-1")
	if err != nil {
		t.Fatalf("GetErrorEvent: %v", err)
	}
	if got.Selector != "#submit" || got.ErrorType != "SELECTOR" {
		t.Errorf("got %+v", got)
	}

	list, err := s.ListErrorEvents("j1", 10)
	if err != nil {
		t.Fatalf("ListErrorEvents: %v", err)
	}
	if len(list) != 1 || list[0].ID != "ev-1" {
		t.Errorf("ListErrorEvents(j1) = %+v", list)
	}
	all, err := s.ListErrorEvents("", 10)
	if err != nil {
		t.Fatalf("ListErrorEvents: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(all) = %d, want 2", len(all))
	}

	attempts := []RecoveryAttempt{
		{ActionType: "retry", Automated: true, Executed: true, ParametersJSON: `{"attempt":"1"}`},
		{ActionType: "change_selector", Automated: true, Executed: true, Success: true},
	}
	if err := s.SaveRecoveryAttempts("ev-1", attempts); err != nil {
		t.Fatalf("SaveRecoveryAttempts: %v", err)
	}
	saved, err := s.ListRecoveryAttempts("ev-1")
	if err != nil {
		t.Fatalf("ListRecoveryAttempts: %v", err)
	}
	if len(saved) != 2 {
		t.Fatalf("len = %d, want 2", len(saved))
	}
	if saved[0].ActionType != "retry" || saved[0].Success {
		t.Errorf("saved[0] = %+v", saved[0])
	}
	if saved[1].ParametersJSON != "{}" || !saved[1].Success {
		t.Errorf("saved[1] = %+v", saved[1])
	}
}

func TestKnowledgeBaseRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveKnowledgeBaseEntry("TIMEOUT", `[{"type":"retry"}]`); err != nil {
		t.Fatalf("SaveKnowledgeBaseEntry: %v", err)
	}
	if err := s.SaveKnowledgeBaseEntry("TIMEOUT", `[{"type":"wait"}]`); err != nil {
		t.Fatalf("SaveKnowledgeBaseEntry overwrite: %v", err)
	}

	kb, err := s.LoadKnowledgeBase()
	if err != nil {
		t.Fatalf("LoadKnowledgeBase: %v", err)
	}
	if kb["TIMEOUT"] != `[{"type":"wait"}]` {
		t.Errorf("TIMEOUT = %q", kb["TIMEOUT"])
	}
	if len(kb) != 1 {
		t.Errorf("len = %d, want 1", len(kb))
	}
}

func TestTickets(t *testing.T) {
	s := openTestStore(t)

	tk := Ticket{
		ID: "t-1", ErrorEventID: "ev-1", JobID: "j1", PartnerID: "p", MarketplaceID: "ozon",
		Priority: "urgent", Subject: "AUTH failure", Body: "login rejected",
	}
	if err := s.CreateTicket(tk); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}

	got, err := s.GetTicket("t-1")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if got.Status != "open" || got.ActionsJSON != "[]" || got.Priority != "urgent" {
		t.Errorf("got %+v", got)
	}
	if !got.ClosedAt.IsZero() {
		t.Errorf("ClosedAt = %v, want zero", got.ClosedAt)
	}

	if err := s.CloseTicket("t-1"); err != nil {
		t.Fatalf("CloseTicket: %v", err)
	}
	open, err := s.ListTickets("open", 10)
	if err != nil {
		t.Fatalf("ListTickets: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open tickets = %d, want 0", len(open))
	}
	closed, err := s.ListTickets("closed", 10)
	if err != nil {
		t.Fatalf("ListTickets: %v", err)
	}
	if len(closed) != 1 || closed[0].ClosedAt.IsZero() {
		t.Errorf("closed = %+v", closed)
	}

	if err := s.CloseTicket("missing"); err != ErrNotFound {
		t.Errorf("CloseTicket(missing) = %v, want ErrNotFound", err)
	}
}

func TestCredentials(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetCredential("p", "ozon"); err != ErrNotFound {
		t.Fatalf("GetCredential before put = %v, want ErrNotFound", err)
	}
	if err := s.PutCredential(SealedCredential{PartnerID: "p", MarketplaceID: "ozon", Ciphertext: "c1"}); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	if err := s.PutCredential(SealedCredential{PartnerID: "p", MarketplaceID: "ozon", Ciphertext: "c2"}); err != nil {
		t.Fatalf("PutCredential overwrite: %v", err)
	}
	got, err := s.GetCredential("p", "ozon")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if got.Ciphertext != "c2" {
		t.Errorf("Ciphertext = %q, want c2", got.Ciphertext)
	}
	if err := s.DeleteCredential("p", "ozon"); err != nil {
		t.Fatalf("DeleteCredential: %v", err)
	}
	if err := s.DeleteCredential("p", "ozon"); err != ErrNotFound {
		t.Errorf("second DeleteCredential = %v, want ErrNotFound", err)
	}
}
