package server

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/me/slotwatch/internal/store"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	State     string `json:"state"`
	Ledger    string `json:"ledger"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ledger := "disabled"
	if s.ledger != nil {
		ledger = "enabled"
	}
	respondOK(w, RequestIDFromContext(r.Context()), healthResponse{
		Status:    "healthy",
		Version:   s.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		State:     s.status.Snapshot().State.String(),
		Ledger:    ledger,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.status.Snapshot())
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.ledger == nil {
		respondError(w, reqID, http.StatusNotFound, &APIError{Code: ErrNotFound, Message: "ledger disabled"})
		return
	}
	opts, apiErr := parseListOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	attempts, total, err := s.ledger.ListAttempts(r.Context(), opts)
	if err != nil {
		s.logger.Error("list attempts", "error", err)
		respondError(w, reqID, http.StatusInternalServerError, &APIError{Code: ErrInternal, Message: "failed to list attempts"})
		return
	}
	if attempts == nil {
		attempts = []*store.Attempt{}
	}
	opts.Clamp()
	respondList(w, reqID, attempts, &Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(attempts) < total,
	})
}

func (s *Server) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.ledger == nil {
		respondError(w, reqID, http.StatusNotFound, &APIError{Code: ErrNotFound, Message: "ledger disabled"})
		return
	}
	opts, apiErr := parseListOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	trs, err := s.ledger.ListTransitions(r.Context(), opts)
	if err != nil {
		s.logger.Error("list transitions", "error", err)
		respondError(w, reqID, http.StatusInternalServerError, &APIError{Code: ErrInternal, Message: "failed to list transitions"})
		return
	}
	if trs == nil {
		trs = []*store.Transition{}
	}
	respondOK(w, reqID, trs)
}

// parseListOptions reads the limit and offset query parameters.
func parseListOptions(r *http.Request) (store.ListOptions, *APIError) {
	var opts store.ListOptions
	q := r.URL.Query()
	for name, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, &APIError{Code: ErrValidation, Message: name + " must be a non-negative integer"}
		}
		*dst = n
	}
	return opts, nil
}
