package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/cardpilot/internal/pipeline"
	"github.com/kalambet/cardpilot/internal/session"
	"github.com/kalambet/cardpilot/internal/storage"
)

// NewAppHandler returns the management API. Everything but /health needs
// the bearer token.
func NewAppHandler(d Deps, token string) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(token))

		r.Post("/jobs", handleSubmitJob(d))
		r.Get("/jobs", handleListJobs(d))
		r.Get("/jobs/{id}", handleGetJob(d))
		r.Post("/jobs/{id}/cancel", handleCancelJob(d))

		r.Get("/errors", handleListErrors(d))
		r.Get("/errors/fingerprints", handleFingerprints(d))

		r.Get("/tickets", handleListTickets(d))
		r.Get("/tickets/{id}", handleGetTicket(d))
		r.Post("/tickets/{id}/close", handleCloseTicket(d))

		r.Get("/knowledge-base", handleKnowledgeBase(d))

		r.Get("/sessions", handleListSessions(d))
		r.Delete("/sessions/{partner}/{marketplace}", handleTeardownSession(d))
		r.Post("/sessions/{partner}/{marketplace}/captcha", handleResolveCaptcha(d))
		r.Post("/sessions/{partner}/{marketplace}/code", handleRelayCode(d))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleSubmitJob(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		job, err := submitJob(d, req)
		if isInvalid(err) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to submit job: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func handleListJobs(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		recs, err := d.Store.ListJobs(storage.JobFilter{
			PartnerID:     q.Get("partner_id"),
			MarketplaceID: q.Get("marketplace_id"),
			State:         q.Get("state"),
			Limit:         parseIntParam(r, "limit", 20, 200),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}
		jobs := make([]*pipeline.Job, 0, len(recs))
		for _, rec := range recs {
			job, err := pipeline.FromRecord(rec)
			if err != nil {
				d.logger().Warn("skipping undecodable job", "job_id", rec.ID, "error", err)
				continue
			}
			jobs = append(jobs, job)
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func handleGetJob(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := loadJob(d, chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleCancelJob(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Jobs == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "no worker running")
			return
		}
		ok, err := d.Jobs.Cancel(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel job: %v", err)
			return
		}
		if !ok {
			httpError(w, http.StatusConflict, "conflict", "job already finished")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	}
}

func handleListErrors(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := d.Store.ListErrorEvents(r.URL.Query().Get("job_id"), parseIntParam(r, "limit", 50, 500))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list errors: %v", err)
			return
		}
		out := make([]eventView, 0, len(events))
		for _, e := range events {
			out = append(out, toEventView(e))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleFingerprints(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, topFingerprints(d, parseIntParam(r, "limit", 10, 100)))
	}
}

func handleListTickets(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tickets, err := d.Store.ListTickets(r.URL.Query().Get("status"), parseIntParam(r, "limit", 50, 500))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tickets: %v", err)
			return
		}
		out := make([]ticketView, 0, len(tickets))
		for _, t := range tickets {
			out = append(out, toTicketView(t))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetTicket(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := d.Store.GetTicket(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "ticket not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get ticket: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toTicketView(t))
	}
}

func handleCloseTicket(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := d.Store.CloseTicket(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "ticket not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to close ticket: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
	}
}

func handleKnowledgeBase(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, knowledgeSnapshot(d))
	}
}

func handleListSessions(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Sessions == nil {
			writeJSON(w, http.StatusOK, []session.Info{})
			return
		}
		writeJSON(w, http.StatusOK, d.Sessions.List())
	}
}

func sessionKey(r *http.Request) session.Key {
	return session.Key{PartnerID: chi.URLParam(r, "partner"), MarketplaceID: chi.URLParam(r, "marketplace")}
}

func handleTeardownSession(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Sessions == nil {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		err := d.Sessions.Teardown(sessionKey(r))
		if errors.Is(err, session.ErrNoSession) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to tear down session: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "torn_down"})
	}
}

type captchaRequest struct {
	Solved bool `json:"solved"`
}

func handleResolveCaptcha(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req captchaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if d.Sessions == nil {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		state, err := d.Sessions.ResolveCaptcha(r.Context(), sessionKey(r), req.Solved)
		switch {
		case errors.Is(err, session.ErrNoSession):
			httpError(w, http.StatusNotFound, "not_found", "session not found")
		case errors.Is(err, session.ErrNotAwaitingCaptcha):
			httpError(w, http.StatusConflict, "conflict", "session is %s, not awaiting a captcha", state)
		case err != nil:
			httpError(w, http.StatusBadGateway, "api_error", "portal still not logged in: %v", err)
		default:
			writeJSON(w, http.StatusOK, map[string]string{"state": string(state)})
		}
	}
}

type codeRequest struct {
	Code string `json:"code"`
}

func handleRelayCode(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req codeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if d.Codes == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "second-factor relay not available")
			return
		}
		err := d.Codes.Put(sessionKey(r), req.Code)
		if errors.Is(err, session.ErrEmptyCode) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "code is required")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to relay code: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "relayed"})
	}
}
