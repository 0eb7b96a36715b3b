package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/metrics"
	"github.com/nexushq/nexus/pkg/session"
)

// sessionCookie is the one cookie this server issues. Its value is the
// signed session id.
const sessionCookie = "nexus_session"

type sessionKey struct{}

// sessionFrom returns the session attached by withSession, or nil outside
// the session-scoped routes.
func sessionFrom(ctx context.Context) *session.Session {
	sess, _ := ctx.Value(sessionKey{}).(*session.Session)
	return sess
}

// withSession resolves the caller's session from the cookie, creating a
// fresh anonymous one when the cookie is absent, expired, or tampered
// with. Every request below this middleware carries a valid session.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sess *session.Session
		if c, err := r.Cookie(sessionCookie); err == nil {
			if id, err := s.sessions.Verify(c.Value); err == nil {
				if got, err := s.sessions.Get(id); err == nil {
					sess = got
				}
			}
		}
		if sess == nil {
			created, err := s.sessions.Create()
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			sess = created
			s.setSessionCookie(w, r, sess)
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAuth rejects requests whose session has not completed
// authentication, including sessions still waiting on a second factor.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFrom(r.Context())
		if sess == nil || !sess.Authenticated() {
			s.respondError(w, r, errdefs.E(errdefs.KindInvalidAuthState, "authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin enforces the browser-origin allow list and answers CORS
// preflight. Requests without an Origin header (curl, same-origin
// navigation) pass untouched. An empty allow list disables the check.
func (s *Server) checkOrigin(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.origins))
	for _, o := range s.origins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !allowed[origin] {
			s.respondError(w, r, errdefs.E(errdefs.KindForbidden, "origin %s not allowed", origin))
			return
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")
		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs each request on completion and feeds the API request
// metrics. Health and metrics probes log at debug to keep scrapes out of
// the foreground.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()

		ev := s.logger.Info()
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			ev = s.logger.Debug()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", timer.Duration()).
			Str("remote", r.RemoteAddr).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// setSessionCookie (re)issues the session cookie. Called on session
// creation and after every rotation so the client always holds the
// current id.
func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    s.sessions.Sign(sess.ID),
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
}

// clearSessionCookie expires the cookie on logout.
func (s *Server) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
}

// clientIP extracts the caller address for failure telemetry. RealIP
// middleware has already folded X-Forwarded-For into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
