package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chatgate/chatgate/pkg/identity"
	"github.com/chatgate/chatgate/pkg/models"
)

type ctxKey struct{}

func withPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// principal returns the authenticated caller. Only valid behind requireAuth.
func principal(r *http.Request) *models.Principal {
	p, _ := r.Context().Value(ctxKey{}).(*models.Principal)
	return p
}

func (s *Server) authenticate(r *http.Request) (*models.Principal, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, errNoCredentials
	}
	return s.identity.VerifyCredentials(r.Context(), username, password)
}

var errNoCredentials = errors.New("missing credentials")

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.authenticate(r)
		switch {
		case errors.Is(err, errNoCredentials), errors.Is(err, identity.ErrBadCredentials):
			w.Header().Set("WWW-Authenticate", `Basic realm="chatgate"`)
			writeJSONError(w, http.StatusUnauthorized, "authentication_error", "authentication required")
			return
		case err != nil:
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := principal(r); p == nil || !p.IsAdmin {
			writeJSONError(w, http.StatusForbidden, "permission_error", "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging while keeping the
// streaming and hijacking abilities of the wrapped writer.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).Round(time.Millisecond),
		}).Debug("request")
	})
}
