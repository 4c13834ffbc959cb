// Package api exposes the governance engine over HTTP. Error responses
// follow RFC 7807 (Problem Details for HTTP APIs).
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cauldronos/sentientloop/pkg/contracts"
)

// ProblemDetail implements RFC 7807. All API error responses use this
// shape.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request id for log correlation.
	TraceID string `json:"trace_id,omitempty"`
	// CurrentStatus carries the entity's actual state on a lost
	// resolution race, so the client can show who won.
	CurrentStatus string `json:"current_status,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	p.Type = fmt.Sprintf("https://sentientloop.cauldronos.dev/errors/%d", p.Status)
	if r != nil {
		p.Instance = r.URL.Path
		p.TraceID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, r, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response. err is logged, never exposed
// to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "path", r.URL.Path, "error", err)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred. Please try again later.")
}

// WriteDomainError maps an engine error to its HTTP representation. A
// lost resolution race (TransitionConflictError) produces a 409 whose
// body names the status the checkpoint actually has.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *contracts.TransitionConflictError
	switch {
	case errors.As(err, &conflict):
		writeProblem(w, r, &ProblemDetail{
			Title:         "Already Resolved",
			Status:        http.StatusConflict,
			Detail:        err.Error(),
			CurrentStatus: string(conflict.Current),
		})
	case errors.Is(err, contracts.ErrValidation):
		WriteBadRequest(w, r, err.Error())
	case errors.Is(err, contracts.ErrNotFound):
		WriteNotFound(w, r, err.Error())
	case errors.Is(err, contracts.ErrVersionConflict),
		errors.Is(err, contracts.ErrRecoveryInProgress),
		errors.Is(err, contracts.ErrAlreadyResolved),
		errors.Is(err, contracts.ErrInvalidTransition):
		WriteConflict(w, r, err.Error())
	case errors.Is(err, contracts.ErrPolicyDisabled):
		WriteError(w, r, http.StatusUnprocessableEntity, "Governance Disabled", err.Error())
	case errors.Is(err, contracts.ErrExternalDependency):
		WriteError(w, r, http.StatusBadGateway, "Upstream Unavailable", err.Error())
	default:
		WriteInternal(w, r, err)
	}
}
