package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/nexushq/nexus/pkg/errdefs"
)

// errorBody is the JSON envelope for every non-2xx response. Kind is the
// stable machine-readable error class; Error is the human message.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusForKind maps an error kind to its HTTP status. This is the only
// place in the process where kinds become status codes.
func statusForKind(kind errdefs.Kind) int {
	switch kind {
	case errdefs.KindInvalidCredentials, errdefs.KindInvalidAuthState, errdefs.KindCounterRegression:
		return http.StatusUnauthorized
	case errdefs.KindChallengeExpired, errdefs.KindCaptchaFailed, errdefs.KindValidationError:
		return http.StatusBadRequest
	case errdefs.KindRateLimited:
		return http.StatusTooManyRequests
	case errdefs.KindNotFound:
		return http.StatusNotFound
	case errdefs.KindForbidden:
		return http.StatusForbidden
	case errdefs.KindMissingTool:
		return http.StatusUnprocessableEntity
	case errdefs.KindUnreachable, errdefs.KindAuthFailed, errdefs.KindProtocol:
		return http.StatusBadGateway
	case errdefs.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage returns the message exposed to clients. Severe kinds get a
// fixed message, and for everything else only the outermost kinded message
// is rendered; wrapped causes stay in the server logs.
func publicMessage(kind errdefs.Kind, err error) string {
	switch kind {
	case errdefs.KindInternal:
		return "internal server error"
	case errdefs.KindCredentialCorrupted:
		return "stored credentials could not be decrypted"
	}
	var e *errdefs.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// writeJSON serializes v with the given status. A nil v writes the status
// line only.
func writeJSON(w http.ResponseWriter, status int, v any) {
	if v == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError renders err as an error envelope. Internal and
// CredentialCorrupted failures log with a stack trace; everything else is
// an expected outcome and logs at debug.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errdefs.KindOf(err)
	if errdefs.Severe(kind) {
		s.logger.Error().
			Err(err).
			Str("kind", string(kind)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Bytes("stack", debug.Stack()).
			Msg("request failed")
	} else {
		s.logger.Debug().
			Err(err).
			Str("kind", string(kind)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request rejected")
	}
	writeJSON(w, statusForKind(kind), errorBody{Error: publicMessage(kind, err), Kind: string(kind)})
}

// respondAuthError is respondError for the authentication endpoints, where
// credential-class failures collapse into one indistinguishable answer so a
// probe cannot tell an unknown user, a bad CAPTCHA, and a replayed
// authenticator apart. InvalidAuthState, ChallengeExpired, and RateLimited
// stay distinct: the client needs them to recover.
func (s *Server) respondAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch errdefs.KindOf(err) {
	case errdefs.KindCaptchaFailed, errdefs.KindCounterRegression, errdefs.KindNotFound:
		err = errdefs.Wrap(errdefs.KindInvalidCredentials, err, "invalid credentials")
	}
	s.respondError(w, r, err)
}

// decodeJSON parses the request body into dst. On malformed input it writes
// a ValidationError response and returns false.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.respondError(w, r, errdefs.E(errdefs.KindValidationError, "malformed request body"))
		return false
	}
	return true
}
