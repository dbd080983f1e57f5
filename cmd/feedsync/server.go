package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agatticelli/feedsync/internal/action"
	"github.com/agatticelli/feedsync/internal/failure"
	"github.com/agatticelli/feedsync/internal/feed"
	"github.com/agatticelli/feedsync/internal/orchestrator"
)

type loadRequest struct {
	Filters map[string]string `json:"filters"`
	Refresh bool              `json:"refresh"`
}

type positionRequest struct {
	Index int `json:"index"`
}

type swipeRequest struct {
	Action string `json:"action"`
}

type retryRequest struct {
	SubjectID string `json:"subjectId"`
}

type errorsResponse struct {
	Current       *failure.FeedError  `json:"current,omitempty"`
	History       []failure.FeedError `json:"history"`
	FailedActions []action.Pending    `json:"failedActions"`
}

// newRouter exposes the orchestrator over JSON
func newRouter(a *app) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /feed", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.orch.View())
	})

	mux.HandleFunc("POST /feed/load", func(w http.ResponseWriter, r *http.Request) {
		var req loadRequest
		if !decodeBody(w, r, &req) {
			return
		}

		var (
			view orchestrator.View
			err  error
		)
		if req.Refresh {
			view, err = a.orch.Refresh(r.Context())
		} else {
			view, err = a.orch.Load(r.Context(), feed.FiltersFromMap(req.Filters))
		}
		if err != nil {
			writeJSON(w, statusFor(err), view)
			return
		}
		writeJSON(w, http.StatusOK, view)
	})

	mux.HandleFunc("POST /feed/position", func(w http.ResponseWriter, r *http.Request) {
		var req positionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		scheduled := a.orch.RegisterPosition(r.Context(), req.Index)
		if scheduled == nil {
			scheduled = []int{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"scheduled": scheduled})
	})

	mux.HandleFunc("POST /feed/swipe", func(w http.ResponseWriter, r *http.Request) {
		var req swipeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		kind, err := feed.ParseAction(req.Action)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		p, err := a.orch.Swipe(r.Context(), kind)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, p)
	})

	mux.HandleFunc("POST /feed/retry", func(w http.ResponseWriter, r *http.Request) {
		var req retryRequest
		if !decodeBody(w, r, &req) {
			return
		}

		if req.SubjectID != "" {
			p, err := a.orch.RetryAction(r.Context(), req.SubjectID)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusAccepted, p)
			return
		}

		if err := a.orch.Retry(r.Context()); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, a.orch.View())
	})

	mux.HandleFunc("GET /feed/errors", func(w http.ResponseWriter, r *http.Request) {
		resp := errorsResponse{
			History:       a.failures.History(),
			FailedActions: a.actions.Failed(),
		}
		if fe, ok := a.failures.Current(); ok {
			resp.Current = &fe
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("DELETE /feed/errors", func(w http.ResponseWriter, r *http.Request) {
		a.failures.Clear()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /feed/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.orch.Stats(r.Context()))
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		h := a.remote.Health()
		status := http.StatusOK
		if !h.Healthy() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	})

	mux.Handle("/metrics", a.metrics.Handler())

	return mux
}

// statusFor maps domain and classified errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrNoItem),
		errors.Is(err, action.ErrNotFailed),
		errors.Is(err, failure.ErrNothingToRetry):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotLoaded),
		errors.Is(err, action.ErrActionPending),
		errors.Is(err, action.ErrRetryLimit):
		return http.StatusConflict
	case errors.Is(err, action.ErrActorRequired),
		errors.Is(err, action.ErrSubjectRequired):
		return http.StatusBadRequest
	}

	// A recorded failure already carries the kind of its cause
	kind := failure.Classify(err)
	var fe *failure.Error
	if errors.As(err, &fe) {
		kind = fe.Kind
	}

	switch kind {
	case failure.KindAuth:
		return http.StatusUnauthorized
	case failure.KindNetwork:
		return http.StatusGatewayTimeout
	case failure.KindServer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
