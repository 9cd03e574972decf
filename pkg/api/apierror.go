// Package api serves the vault and wallet read endpoints, the pre-flight check
// and server-side spend execution. Errors use RFC 7807 Problem Details.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/spendvault/pkg/fault"
)

// ProblemDetail is an RFC 7807 error body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID echoes X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`
	// Kind is the fault kind for classified errors.
	Kind string `json:"kind,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return p.Title + ": " + p.Detail
}

const (
	problemContentType = "application/problem+json"
	internalDetail     = "An unexpected error occurred. Please try again later."
)

// statusForKind maps the fault taxonomy onto HTTP. Kinds missing here are 500.
var statusForKind = map[fault.Kind]int{
	fault.KindInvalidAddress:      http.StatusBadRequest,
	fault.KindVaultNotDeployed:    http.StatusNotFound,
	fault.KindChainRead:           http.StatusBadGateway,
	fault.KindPolicyRejected:      http.StatusForbidden,
	fault.KindTimeout:             http.StatusGatewayTimeout,
	fault.KindSubmissionRejected:  http.StatusBadGateway,
	fault.KindSignatureValidation: http.StatusBadGateway,
	fault.KindGasLimitOverflow:    http.StatusUnprocessableEntity,
}

// StatusForKind returns the HTTP status a fault kind is reported with.
func StatusForKind(k fault.Kind) int {
	if s, ok := statusForKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// newProblem fills type and title from status. r may be nil when the caller
// has no request at hand; the instance is then left empty.
func newProblem(w http.ResponseWriter, r *http.Request, status int, detail string) *ProblemDetail {
	p := &ProblemDetail{
		Type:    "/errors/" + strconv.Itoa(status),
		Title:   http.StatusText(status),
		Status:  status,
		Detail:  detail,
		TraceID: w.Header().Get("X-Request-ID"),
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	return p
}

func (p *ProblemDetail) write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteProblem writes a problem response for status with the given detail.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	newProblem(w, r, status, detail).write(w)
}

// WriteFault writes a classified error using its kind and reason. Errors that
// carry no kind are internal and their text stays in the log.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := StatusForKind(kind)
	if status == http.StatusInternalServerError {
		WriteInternal(w, r, err)
		return
	}
	slog.WarnContext(r.Context(), "request failed", "path", r.URL.Path, "kind", kind, "error", err)
	p := newProblem(w, r, status, fault.ReasonOf(err))
	p.Kind = kind.String()
	p.write(w)
}

// WriteUnauthorized writes a 401 with a Bearer challenge.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", "Bearer")
	WriteProblem(w, r, http.StatusUnauthorized, detail)
}

// WriteTooManyRequests writes a 429 carrying Retry-After in seconds.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	WriteProblem(w, r, http.StatusTooManyRequests, "Rate limit exceeded")
}

// WriteInternal logs err and writes a generic 500.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	attrs := []any{"error", err}
	if r != nil {
		attrs = append(attrs, "path", r.URL.Path)
	}
	slog.Error("internal server error", attrs...)
	WriteProblem(w, r, http.StatusInternalServerError, internalDetail)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
