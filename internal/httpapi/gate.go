package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/voucher-issuance-service/internal/envelope"
	"github.com/teresa-solution/voucher-issuance-service/internal/tenancy"
)

// isTenantKey reports whether a client supplied field names a tenant. Case,
// underscores and hyphens are ignored, so tenant_id, TenantID and tenant-slug
// all match. Their presence alone is a context mismatch.
func isTenantKey(key string) bool {
	k := strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(strings.TrimSpace(key)))
	rest, ok := strings.CutPrefix(k, "tenant")
	if !ok {
		return false
	}
	switch rest {
	case "", "id", "slug", "host":
		return true
	}
	return false
}

func anyTenantKey(values url.Values) bool {
	for k := range values {
		if isTenantKey(k) {
			return true
		}
	}
	return false
}

// gate runs the admission hook for one route kind and attaches the tenancy
// context to admitted requests.
func (s *Server) gate(kind tenancy.RouteKind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			override := false
			if kind != tenancy.RouteAdmin {
				found, err := tenantOverride(r)
				if err != nil {
					var tooLarge *http.MaxBytesError
					if errors.As(err, &tooLarge) {
						envelope.Fail(w, r, http.StatusRequestEntityTooLarge, envelope.ErrorInvalidRequest)
						return
					}
					envelope.Fail(w, r, http.StatusBadRequest, envelope.ErrorInvalidRequest)
					return
				}
				override = found
			}

			verdict, err := s.hook.Admit(r.Context(), tenancy.Request{
				Host:           r.Host,
				Route:          kind,
				Authorization:  r.Header.Get("Authorization"),
				PartnerToken:   r.Header.Get(s.partnerHeader),
				TenantOverride: override,
				VoucherID:      chi.URLParam(r, "voucherID"),
			})
			if err != nil {
				log.Ctx(r.Context()).Error().Err(err).Str("route", string(kind)).Msg("Admission failed")
				envelope.Fail(w, r, http.StatusInternalServerError, envelope.ErrorInternal)
				return
			}
			if verdict.Throttled {
				envelope.Throttle(w, r, verdict.RetryAfter)
				return
			}
			if !verdict.Admitted {
				envelope.Refuse(w, r, verdict.Reason, nil)
				return
			}

			ctx := tenancy.WithContext(r.Context(), verdict.Context)
			lc := log.Ctx(ctx).With().Str("identity", verdict.Context.Identity.Kind.String())
			if id := verdict.Context.TenantID(); id != nil {
				lc = lc.Str("tenant_id", id.String())
			}
			if actor := verdict.Context.Identity.ActorID(); actor != "" {
				lc = lc.Str("actor_id", actor)
			}
			logger := lc.Logger()
			next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
		})
	}
}

// tenantOverride reports whether the query string, a JSON object body or a
// form encoded body names a tenant. The body is restored for the handler.
func tenantOverride(r *http.Request) (bool, error) {
	if anyTenantKey(r.URL.Query()) {
		return true, nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		return false, nil
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return false, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if len(bytes.TrimSpace(raw)) == 0 {
		return false, nil
	}

	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "application/x-www-form-urlencoded" {
		form, err := url.ParseQuery(string(raw))
		return err == nil && anyTenantKey(form), nil
	}

	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) != nil {
		return false, nil
	}
	for k := range fields {
		if isTenantKey(k) {
			return true, nil
		}
	}
	return false, nil
}
