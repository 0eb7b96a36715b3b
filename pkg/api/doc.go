/*
Package api exposes the control plane over HTTP. It is the only layer that
speaks status codes and cookies; everything below it works in terms of typed
errors and session handles.

# Architecture

	┌───────────────────────────────────────────────────────────────┐
	│                          chi router                           │
	│                                                               │
	│  RequestID ► RealIP ► requestLogger ► Recoverer ► Timeout     │
	│                      │                                        │
	│                      ▼                                        │
	│                 checkOrigin (allow list + CORS)               │
	│          ┌───────────┴───────────────┐                        │
	│          ▼                           ▼                        │
	│   /healthz /readyz /metrics     withSession                   │
	│   (no session allocated)             │                        │
	│                          ┌───────────┴───────────┐            │
	│                          ▼                       ▼            │
	│                   /auth/* (mixed)         requireAuth         │
	│                                                  │            │
	│                              /connections /batch /transfers   │
	└───────────────────────────────────────────────────────────────┘

# Core Components

Server:
  - Builds the route table at construction, serves it on Start
  - Start blocks until shutdown; Stop drains in-flight requests
  - Owns no domain logic; every handler adapts HTTP to a service call

Config:
  - Auth, Sessions, Store, Vault, Batch, Transfers: the service layer
  - AllowedOrigins: browser-origin allow list; empty disables the
    check (non-browser clients only)

Middleware (applied in order):
  - RequestID / RealIP: chi's request tagging
  - requestLogger: one structured line per request with status and
    duration, feeding the API metrics
  - Recoverer: panics become 500s instead of dead connections
  - Timeout: request-scoped deadline
  - checkOrigin: rejects cross-origin browser requests not on the
    allow list, answers preflights
  - withSession: resolves the cookie to a session or creates an
    anonymous one
  - requireAuth: 401 for anything not authenticated

# Sessions and Cookies

The server issues exactly one cookie, nexus_session. Its value is the
session id signed with HMAC-SHA256; the id itself is the only
client-side handle, so a forged or truncated cookie simply resolves to
no session and the middleware falls back to a fresh anonymous one. The
cookie is httpOnly, SameSite=Lax, and marked Secure when the request
arrived over TLS.

Handlers that move a session between authentication states (login, 2FA
verification, passkey authentication) receive a rotated session from
the auth service and re-issue the cookie, so the id the client holds
changes on every state transition. Logout clears the cookie and
destroys the record.

# Request Conventions

  - Bodies are JSON; a body that fails to decode answers 400 with
    "malformed request body", never a parser message
  - Responses are JSON with camelCase keys matching pkg/types
  - 201 for created resources, 202 for accepted transfers, 204 for
    actions with nothing to say (logout, deletes, 2FA toggles)
  - Identifiers travel in the path ({taskID}, {connectionID}), never
    in query strings

# Cross-Origin Requests

With AllowedOrigins configured, requests carrying an Origin header
must match the allow list exactly; others answer 403 before any
handler runs. Matching origins get credentialed CORS headers
(Access-Control-Allow-Origin echoed, Allow-Credentials true, Vary:
Origin), and preflight OPTIONS answer 204 with the allowed methods
and headers. Requests without an Origin header, curl and server-side
clients, bypass the check entirely; the session cookie is their only
gate. An empty allow list disables the check.

# Error Handling

Every non-2xx response is a JSON envelope:

	{"error": "human message", "kind": "machine-kind"}

statusForKind is the single mapping from error kinds to HTTP statuses:

  - InvalidCredentials, InvalidAuthState, CounterRegression: 401
  - ChallengeExpired, CaptchaFailed, ValidationError: 400
  - RateLimited: 429
  - NotFound: 404
  - Forbidden: 403
  - MissingTool: 422
  - Unreachable, AuthFailed, Protocol: 502
  - Timeout: 504
  - everything else: 500

Authentication endpoints route their failures through
respondAuthError, which collapses credential-class kinds (bad
password, unknown user, failed CAPTCHA, replayed authenticator) into
one InvalidCredentials answer; InvalidAuthState, ChallengeExpired, and
RateLimited pass through untouched because the client needs to
distinguish them to recover. Internal and CredentialCorrupted are the
only kinds logged with a stack trace, and their public message is
fixed so nothing internal leaks through the envelope.

# Route Summary

	POST   /auth/login                          password (+ CAPTCHA) login
	POST   /auth/login/2fa                      TOTP verification
	POST   /auth/logout                         destroy session
	GET    /auth/me                             current user
	POST   /auth/2fa/setup                      begin TOTP enrollment
	POST   /auth/2fa/enable                     confirm TOTP enrollment
	POST   /auth/2fa/disable                    drop TOTP
	POST   /auth/passkey/registration-options   WebAuthn create challenge
	POST   /auth/passkey/register               store new passkey
	POST   /auth/passkey/authentication-options WebAuthn assert challenge
	POST   /auth/passkey/authenticate           passkey login
	GET    /auth/passkey/has-configured         passkey presence by username
	GET    /auth/passkeys                       list passkeys
	DELETE /auth/passkeys/{passkeyID}           remove passkey
	POST   /connections                         create SSH target
	GET    /connections                         list SSH targets
	GET    /connections/{connectionID}          fetch SSH target
	PUT    /connections/{connectionID}          update SSH target
	DELETE /connections/{connectionID}          delete SSH target
	POST   /batch                               submit fan-out command
	GET    /batch                               list batch tasks
	GET    /batch/{taskID}                      fetch batch task
	POST   /batch/{taskID}/cancel               cancel batch task
	DELETE /batch/{taskID}                      delete finished batch task
	POST   /transfers/send                      submit cross-host transfer
	GET    /transfers/status                    list transfer tasks
	GET    /transfers/status/{taskID}           fetch transfer task
	POST   /transfers/cancel/{taskID}           cancel transfer task
	GET    /healthz                             liveness
	GET    /readyz                              readiness
	GET    /metrics                             Prometheus exposition

All task submissions return immediately; execution is asynchronous and
progress is polled through the status endpoints. Batch submissions
answer 201 with the persisted task, transfers answer 202 because their
state is RAM-only and vanishes on restart.

# Usage

Constructing and Starting:

	import "github.com/nexushq/nexus/pkg/api"

	server := api.NewServer(api.Config{
		Auth:           authSvc,
		Sessions:       sessions,
		Store:          store,
		Vault:          v,
		Batch:          batchExec,
		Transfers:      transferEngine,
		AllowedOrigins: cfg.Server.Origins(),
	})

	go func() {
		if err := server.Start(cfg.Server.ListenAddr()); err != nil {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = server.Stop(shutdownCtx)

Testing a Handler:

	srv := api.NewServer(api.Config{}) // fakes
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

Client Session Flow:

	POST /auth/login          -> 200, Set-Cookie: nexus_session=...
	GET  /connections         -> 200 (cookie attached)
	POST /auth/logout         -> 204, cookie cleared

# Integration Points

This package integrates with:

  - pkg/auth: login, 2FA, and passkey handlers
  - pkg/session: cookie middleware, rotation re-issue
  - pkg/batch and pkg/transfer: task submission and control handlers
  - pkg/storage: connection CRUD
  - pkg/vault: encrypts connection secrets on intake
  - pkg/errdefs: the kind-to-status mapping
  - pkg/metrics: request counters, duration histogram, probes
  - chi: routing and the standard middleware set

# Design Patterns

Thin Handlers:
  - Decode, call the service, render; no business rules in handlers
  - Validation beyond shape checks lives in the services

Single Error Door:
  - respondError / respondAuthError are the only places errors
    become HTTP
  - Adding a kind means touching statusForKind once

Probes Outside the Session Layer:
  - /healthz, /readyz, /metrics never allocate sessions, so
    scrapers and load balancers do not grow the session database

Ownership by Scoping:
  - Every task and connection read is filtered by the session's user
  - Cross-user access yields 404, not 403, to avoid existence leaks

# Performance Characteristics

  - Routing: chi trie lookup, negligible against handler work
  - Session resolution: one bbolt read per non-probe request
  - JSON rendering: stdlib encoder, microseconds for task payloads
  - Request logging: one structured line per request

# Troubleshooting

Browser Gets 403 on Every Call:
  - Symptom: Same-origin curl works, the web UI does not
  - Cause: Origin not on AllowedOrigins
  - Solution: Add the UI origin to server.allowed_origins

401 After a Successful Login:
  - Symptom: Login returns 200 but the next call is rejected
  - Cause: Client dropped the rotated cookie from the login response
  - Solution: Honor Set-Cookie on every auth-state response

Requests Time Out Under Proxy:
  - Symptom: 504s on long polls through a reverse proxy
  - Cause: Proxy timeout shorter than the request timeout
  - Solution: Align the proxy's read timeout with the server's

Probe Endpoints Return 503:
  - Symptom: /readyz not ready after startup
  - Cause: A component has not reported healthy yet
  - Check: The response body names the waiting component

# Monitoring

  - nexus_api_requests_total{method,status}: request outcomes
  - nexus_api_request_duration_seconds{method}: latency histogram
  - /healthz, /readyz: liveness and readiness for orchestrators
  - /metrics: full Prometheus exposition

# Backward Compatibility

The JSON surface evolves additively:

  - New response fields may appear at any time; clients must ignore
    unknown keys
  - Existing fields keep their names, types, and enum values
  - New error kinds may appear; clients should fall back on the HTTP
    status when a kind is unrecognized
  - Removing or renaming anything requires a new path

# Limitations

Current Limitations:
  - No API tokens; the session cookie is the only credential, which
    suits browsers better than automation
  - No pagination on list endpoints
  - No WebSocket/SSE push; progress is polled
  - No TLS termination; run behind a terminating proxy

# Best Practices

Do:
  - Keep handlers to decode-call-render
  - Route new auth failures through respondAuthError
  - Return tasks by re-reading them so clients see persisted state

Don't:
  - Map errors to statuses anywhere but statusForKind
  - Put secrets in response payloads; ciphertext columns never render
  - Bypass requireAuth for anything that reads user data

# See Also

  - pkg/auth for the decisions behind the auth endpoints
  - pkg/errdefs for the kind taxonomy
  - chi router: https://github.com/go-chi/chi
*/
package api
