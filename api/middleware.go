/*
middleware.go - Authentication and access logging

PURPOSE:
  The engine does not authenticate end users itself. An identity gateway in
  front of it verifies the session token and forwards the principal id in a
  trusted header; RequirePrincipal turns that header into a request-scoped
  principal and rejects requests without one (401).

  Admin routes are guarded by a shared token (X-Admin-Token). With no token
  configured the admin routes refuse every request.

SEE ALSO:
  - server.go: middleware order
*/
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/warp/usage-credits/credit"
)

const AdminTokenHeader = "X-Admin-Token"

// ErrUnauthenticated is returned when no principal can be resolved.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the calling principal from a request.
type Authenticator interface {
	Authenticate(r *http.Request) (credit.PrincipalID, error)
}

// HeaderAuthenticator trusts a header set by the identity gateway.
type HeaderAuthenticator struct {
	Header string
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (credit.PrincipalID, error) {
	id := strings.TrimSpace(r.Header.Get(a.Header))
	if id == "" {
		return "", ErrUnauthenticated
	}
	return credit.PrincipalID(id), nil
}

type principalKey struct{}

// RequirePrincipal authenticates every request in the group.
func RequirePrincipal(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := auth.Authenticate(r)
			if err != nil {
				writeErrorCode(w, http.StatusUnauthorized, "unauthenticated", "Authentication required", nil)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFrom returns the principal set by RequirePrincipal.
func PrincipalFrom(ctx context.Context) (credit.PrincipalID, bool) {
	id, ok := ctx.Value(principalKey{}).(credit.PrincipalID)
	return id, ok && id != ""
}

// RequireAdmin compares X-Admin-Token against token in constant time.
func RequireAdmin(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(AdminTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeErrorCode(w, http.StatusUnauthorized, "unauthenticated", "Admin token required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AccessLog writes one zerolog event per request.
func AccessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ev := log.Info()
			switch {
			case status >= 500:
				ev = log.Error()
			case status >= 400:
				ev = log.Warn()
			}
			ev.Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
