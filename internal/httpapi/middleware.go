package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"time"

	"errly/internal/store"
	"errly/pkg/apperror"
)

type contextKey int

const sessionIDContextKey contextKey = iota

// requireSession enforces spec's cookie-authenticated surface: the cookie
// value is never looked up directly, only its SHA-256 hex digest (the id
// under which the session HTTP surface — out of scope here — stored it).
func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			respondStatus(w, http.StatusUnauthorized, "missing session cookie")
			return
		}

		sum := sha256.Sum256([]byte(cookie.Value))
		id := hex.EncodeToString(sum[:])

		sess, err := h.store.GetSession(r.Context(), id)
		if err != nil {
			if err == store.ErrSessionNotFound {
				respondStatus(w, http.StatusUnauthorized, "session not found")
				return
			}
			respondError(w, apperror.Wrap(err, apperror.CodeInternal, "failed to look up session"))
			return
		}
		if sess.ExpiresAt <= time.Now().UnixMilli() {
			respondStatus(w, http.StatusUnauthorized, "session expired")
			return
		}

		ctx := context.WithValue(r.Context(), sessionIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireIntegrationToken enforces the X-Errly-Token direct-ingestion
// contract: both the stored and presented tokens are hashed before the
// constant-time compare, so a length mismatch never leaks timing signal.
func (h *Handler) requireIntegrationToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stored, err := h.store.GetSetting(r.Context(), integrationTokenKey)
		if err != nil || stored == "" {
			respondStatus(w, http.StatusUnauthorized, "direct ingestion is not configured")
			return
		}

		provided := r.Header.Get("X-Errly-Token")
		if provided == "" || !tokensMatch(provided, stored) {
			respondStatus(w, http.StatusUnauthorized, "invalid or missing X-Errly-Token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func tokensMatch(provided, stored string) bool {
	a := sha256.Sum256([]byte(provided))
	b := sha256.Sum256([]byte(stored))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// rateLimitIngestion caps direct ingestion at 100 req/min per client,
// keyed by remote address (pkg/httpserver's middleware.RealIP has already
// resolved X-Forwarded-For/X-Real-IP ahead of this handler).
func (h *Handler) rateLimitIngestion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, err := h.ingestLimiter.Allow(r.Context(), clientIP(r))
		if err != nil || !allowed {
			respondError(w, apperror.NewWarning(apperror.CodeRateLimited, "rate limit exceeded, try again later"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func sessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDContextKey).(string)
	return id
}
