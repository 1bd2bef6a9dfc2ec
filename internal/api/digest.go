package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"qsldigest/internal/types"
)

// callsignRule accepts portable and prefixed calls such as "K1ABC" or
// "VE3/K1ABC/P".
const callsignRule = "required,min=3,max=20,excludesall= "

// EligibilityResponse is the body of GET /v1/users/{callsign}/digest-eligibility.
type EligibilityResponse struct {
	Callsign string `json:"callsign"`
	types.Eligibility
	EvaluatedAt string `json:"evaluated_at"`
}

// HandleExplainEligibility reports whether a digest would be generated for
// the callsign right now, and why not. It never creates records.
func (s *Server) HandleExplainEligibility(w http.ResponseWriter, r *http.Request) {
	callsign := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "callsign")))
	if err := s.validate.Var(callsign, callsignRule); err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidCallsign,
			"invalid callsign", err).WithDetails(map[string]any{"field": "callsign"}))
		return
	}

	now := s.clock.Now().UTC()
	elig, err := s.digest.ExplainEligibility(r.Context(), callsign, now)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "eligibility lookup failed", "callsign", callsign, "error", err)
		Error(w, r, err)
		return
	}

	Data(w, r, http.StatusOK, EligibilityResponse{
		Callsign:    callsign,
		Eligibility: elig,
		EvaluatedAt: now.Format(time.RFC3339),
	})
}

// HandleDispatchBatch dispatches one batch immediately. Re-dispatching a
// batch never re-sends a channel that is already sent.
func (s *Server) HandleDispatchBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := strconv.ParseInt(chi.URLParam(r, "batchID"), 10, 64)
	if err != nil || batchID <= 0 {
		Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidID,
			"batch id must be a positive integer", err).WithDetails(map[string]any{"field": "batchID"}))
		return
	}

	result, err := s.digest.DispatchOneBatch(r.Context(), batchID)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "manual dispatch failed", "batch_id", batchID, "error", err)
		Error(w, r, err)
		return
	}

	s.logger.InfoContext(r.Context(), "manual dispatch complete",
		"batch_id", batchID,
		"push_status", string(result.PushStatus),
		"email_status", string(result.EmailStatus),
	)
	Data(w, r, http.StatusOK, result)
}
