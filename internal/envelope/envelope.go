// Package envelope defines the single response shape used for every outcome.
//
// Policy refusals are answered with HTTP 200 and success=false so that reason
// codes cannot be told apart by status. Throttling (429) and hard errors (5xx)
// are the only responses that use a different status.
package envelope

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/voucher-issuance-service/internal/correlation"
)

// Reason is a machine-readable refusal code.
type Reason string

const (
	ReasonTenantNotFound            Reason = "tenant_not_found"
	ReasonTenantContextMismatch     Reason = "tenant_context_mismatch"
	ReasonNotAMember                Reason = "not_a_member"
	ReasonPartnerTokenInvalid       Reason = "partner_token_invalid"
	ReasonPartnerTokenScope         Reason = "partner_token_scope"
	ReasonNotAuthorized             Reason = "not_authorized_for_action"
	ReasonDuplicateInWindow         Reason = "duplicate_in_policy_window"
	ReasonDuplicateRequiresOverride Reason = "duplicate_warning_requires_override"
	ReasonVoucherNotFound           Reason = "voucher_not_found"
)

// Error codes for non-refusal failures.
const (
	ErrorInternal       = "internal_error"
	ErrorInvalidRequest = "invalid_request"
	ErrorRateLimited    = "rate_limited"
	ErrorNotFound       = "not_found"
	ErrorConflict       = "conflict"
	ErrorUnavailable    = "unavailable"
)

// Envelope is the body of every API response.
type Envelope struct {
	Success       bool   `json:"success"`
	Data          any    `json:"data,omitempty"`
	Reason        Reason `json:"reason,omitempty"`
	Error         string `json:"error,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// OK writes a successful envelope.
func OK(w http.ResponseWriter, r *http.Request, data any) {
	write(w, r, http.StatusOK, Envelope{Success: true, Data: data, CorrelationID: correlation.ID(r.Context())})
}

// Refuse writes a policy refusal. data is optional and only set where the
// policy requires the caller to see it.
func Refuse(w http.ResponseWriter, r *http.Request, reason Reason, data any) {
	write(w, r, http.StatusOK, Envelope{Reason: reason, Data: data, CorrelationID: correlation.ID(r.Context())})
}

// Throttle writes the rate-limit response with a Retry-After hint in seconds.
func Throttle(w http.ResponseWriter, r *http.Request, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	write(w, r, http.StatusTooManyRequests, Envelope{Error: ErrorRateLimited, CorrelationID: correlation.ID(r.Context())})
}

// Fail writes a hard error.
func Fail(w http.ResponseWriter, r *http.Request, status int, code string) {
	write(w, r, status, Envelope{Error: code, CorrelationID: correlation.ID(r.Context())})
}

// JSON writes v with the given status. Used by surfaces that do not speak
// the envelope, such as health checks.
func JSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	write(w, r, status, v)
}

func write(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("failed to write json response")
	}
}
