package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"

	"github.com/nexushq/nexus/pkg/auth"
	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/types"
)

type loginRequest struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	RememberMe   bool   `json:"rememberMe"`
	CaptchaToken string `json:"captchaToken"`
}

type twoFactorRequest struct {
	Token     string `json:"token"`
	TempToken string `json:"tempToken"`
}

// loginResponse is shared by password login, 2FA verification, and
// passkey authentication. Either User is set (fully authenticated) or
// RequiresTwoFactor is true and TempToken carries the echo secret for the
// follow-up verification call.
type loginResponse struct {
	RequiresTwoFactor bool        `json:"requiresTwoFactor"`
	TempToken         string      `json:"tempToken,omitempty"`
	User              *types.User `json:"user,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	sess := sessionFrom(r.Context())
	result, err := s.auth.Login(r.Context(), sess, auth.LoginRequest{
		Username:     req.Username,
		Password:     req.Password,
		CaptchaToken: req.CaptchaToken,
		RememberMe:   req.RememberMe,
	}, clientIP(r))
	if err != nil {
		s.respondAuthError(w, r, err)
		return
	}

	s.setSessionCookie(w, r, result.Session)
	writeJSON(w, http.StatusOK, loginResponse{
		RequiresTwoFactor: result.RequiresTwoFactor,
		TempToken:         result.TempToken,
		User:              result.User,
	})
}

func (s *Server) handleTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req twoFactorRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	sess := sessionFrom(r.Context())
	result, err := s.auth.VerifyTwoFactor(r.Context(), sess, auth.TwoFactorRequest{
		TempToken: req.TempToken,
		Code:      req.Token,
	}, clientIP(r))
	if err != nil {
		s.respondAuthError(w, r, err)
		return
	}

	s.setSessionCookie(w, r, result.Session)
	writeJSON(w, http.StatusOK, loginResponse{User: result.User})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	if err := s.auth.Logout(r.Context(), sess); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.clearSessionCookie(w, r)
	writeJSON(w, http.StatusNoContent, nil)
}

type meResponse struct {
	User             *types.User `json:"user"`
	TwoFactorEnabled bool        `json:"twoFactorEnabled"`
	HasPasskeys      bool        `json:"hasPasskeys"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	user, err := s.store.GetUserByID(r.Context(), sess.UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	passkeys, err := s.auth.ListPasskeys(r.Context(), sess)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		User:             user,
		TwoFactorEnabled: user.TwoFactorEnabled(),
		HasPasskeys:      len(passkeys) > 0,
	})
}

type totpSetupResponse struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

type totpCodeRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	setup, err := s.auth.BeginTOTPSetup(r.Context(), sess)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totpSetupResponse{Secret: setup.Secret, URL: setup.URL})
}

func (s *Server) handleTOTPEnable(w http.ResponseWriter, r *http.Request) {
	var req totpCodeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.auth.EnableTOTP(r.Context(), sessionFrom(r.Context()), req.Token); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleTOTPDisable(w http.ResponseWriter, r *http.Request) {
	var req totpCodeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.auth.DisableTOTP(r.Context(), sessionFrom(r.Context()), req.Token); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handlePasskeyRegistrationOptions(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	options, err := s.auth.PasskeyRegistrationOptions(r.Context(), sess)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func (s *Server) handlePasskeyRegister(w http.ResponseWriter, r *http.Request) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(r.Body)
	if err != nil {
		s.respondError(w, r, errdefs.E(errdefs.KindValidationError, "malformed WebAuthn registration response"))
		return
	}

	sess := sessionFrom(r.Context())
	passkey, err := s.auth.RegisterPasskey(r.Context(), sess, parsed, r.URL.Query().Get("name"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"passkey": passkey})
}

type passkeyAuthOptionsRequest struct {
	Username string `json:"username"`
}

func (s *Server) handlePasskeyAuthenticationOptions(w http.ResponseWriter, r *http.Request) {
	// The body is optional: discoverable-credential logins send no
	// username at all.
	var req passkeyAuthOptionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, r, errdefs.E(errdefs.KindValidationError, "malformed request body"))
		return
	}

	sess := sessionFrom(r.Context())
	options, err := s.auth.PasskeyAuthenticationOptions(r.Context(), sess, req.Username)
	if err != nil {
		s.respondAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

type passkeyAuthenticateRequest struct {
	AssertionResponse json.RawMessage `json:"assertionResponse"`
	RememberMe        bool            `json:"rememberMe"`
}

func (s *Server) handlePasskeyAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req passkeyAuthenticateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	parsed, err := protocol.ParseCredentialRequestResponseBytes(req.AssertionResponse)
	if err != nil {
		s.respondError(w, r, errdefs.E(errdefs.KindValidationError, "malformed WebAuthn assertion response"))
		return
	}

	sess := sessionFrom(r.Context())
	result, err := s.auth.AuthenticatePasskey(r.Context(), sess, parsed, req.RememberMe, clientIP(r))
	if err != nil {
		s.respondAuthError(w, r, err)
		return
	}

	s.setSessionCookie(w, r, result.Session)
	writeJSON(w, http.StatusOK, loginResponse{User: result.User})
}

func (s *Server) handlePasskeyHasConfigured(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		s.respondError(w, r, errdefs.E(errdefs.KindValidationError, "username query parameter is required"))
		return
	}
	configured, err := s.auth.HasPasskeys(r.Context(), username)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"configured": configured})
}

func (s *Server) handlePasskeyList(w http.ResponseWriter, r *http.Request) {
	passkeys, err := s.auth.ListPasskeys(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"passkeys": passkeys})
}

func (s *Server) handlePasskeyRemove(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	if err := s.auth.RemovePasskey(r.Context(), sess, chi.URLParam(r, "passkeyID")); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
