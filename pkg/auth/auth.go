package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/events"
	"github.com/nexushq/nexus/pkg/log"
	"github.com/nexushq/nexus/pkg/session"
	"github.com/nexushq/nexus/pkg/storage"
	"github.com/nexushq/nexus/pkg/types"
	"github.com/nexushq/nexus/pkg/vault"
)

const (
	// pendingAuthTTL bounds how long a password-verified login may wait
	// for its second factor.
	pendingAuthTTL = 5 * time.Minute

	// challengeTTL bounds WebAuthn ceremony challenges.
	challengeTTL = 5 * time.Minute

	tempTokenBytes = 32

	totpIssuer = "Nexus"
)

// Config holds the authentication service dependencies.
type Config struct {
	Store          storage.Store
	Sessions       *session.Manager
	Vault          *vault.Vault
	Events         *events.Broker
	Captcha        CaptchaVerifier
	Blacklist      Blacklist
	WebAuthn       *webauthn.WebAuthn
	CaptchaEnabled bool
	Clock          clockwork.Clock
}

// Service drives the three-stage authentication state machine:
// Anonymous -> Pending2FA (optional) -> Authenticated. Every transition
// between those states rotates the session identifier.
type Service struct {
	store          storage.Store
	sessions       *session.Manager
	vault          *vault.Vault
	events         *events.Broker
	captcha        CaptchaVerifier
	blacklist      Blacklist
	webAuthn       *webauthn.WebAuthn
	captchaEnabled bool
	clock          clockwork.Clock
	logger         zerolog.Logger
}

// NewService creates the authentication service.
func NewService(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Captcha == nil {
		cfg.Captcha = NoopCaptcha{}
	}
	return &Service{
		store:          cfg.Store,
		sessions:       cfg.Sessions,
		vault:          cfg.Vault,
		events:         cfg.Events,
		captcha:        cfg.Captcha,
		blacklist:      cfg.Blacklist,
		webAuthn:       cfg.WebAuthn,
		captchaEnabled: cfg.CaptchaEnabled,
		clock:          cfg.Clock,
		logger:         log.WithComponent("auth"),
	}
}

// LoginRequest carries the password login inputs.
type LoginRequest struct {
	Username     string
	Password     string
	CaptchaToken string
	RememberMe   bool
}

// LoginResult is the outcome of a successful authentication step. When
// RequiresTwoFactor is set the session is in the Pending2FA state and
// TempToken must be echoed back on the follow-up verification call.
type LoginResult struct {
	Session           *session.Session
	User              *types.User
	RequiresTwoFactor bool
	TempToken         string
}

// Login performs password authentication. CAPTCHA, user lookup, and
// password comparison all fail with the same generic credential error
// so a caller cannot learn which step rejected the attempt.
func (s *Service) Login(ctx context.Context, sess *session.Session, req LoginRequest, clientIP string) (*LoginResult, error) {
	if s.blacklist.IsBlocked(clientIP) {
		return nil, errdefs.E(errdefs.KindRateLimited, "too many failed attempts, try again later")
	}

	if s.captchaEnabled {
		if err := s.captcha.Verify(ctx, req.CaptchaToken, clientIP); err != nil {
			return nil, s.loginFailure(clientIP, req.Username, "captcha rejected")
		}
	}

	user, err := s.store.GetUser(ctx, req.Username)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil, s.loginFailure(clientIP, req.Username, "unknown user")
		}
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return nil, s.loginFailure(clientIP, req.Username, "wrong password")
	}

	if user.TwoFactorEnabled() {
		return s.beginPendingAuth(sess, user, req.RememberMe)
	}

	bound, err := s.bindSession(sess, user, req.RememberMe)
	if err != nil {
		return nil, err
	}
	s.finishLogin(ctx, user, clientIP, "password")
	return &LoginResult{Session: bound, User: user}, nil
}

// TwoFactorRequest carries the second-step inputs.
type TwoFactorRequest struct {
	TempToken string
	Code      string
}

// VerifyTwoFactor completes a pending two-factor login. The supplied
// temp-token must match the stored one byte-for-byte and the pending
// record must not have expired; any mismatch yields the same generic
// state error.
func (s *Service) VerifyTwoFactor(ctx context.Context, sess *session.Session, req TwoFactorRequest, clientIP string) (*LoginResult, error) {
	if s.blacklist.IsBlocked(clientIP) {
		return nil, errdefs.E(errdefs.KindRateLimited, "too many failed attempts, try again later")
	}

	pending := sess.PendingAuth
	switch {
	case pending == nil:
		return nil, s.stateFailure(clientIP, "no pending authentication")
	case subtle.ConstantTimeCompare([]byte(req.TempToken), []byte(pending.TempToken)) != 1:
		return nil, s.stateFailure(clientIP, "temp token mismatch")
	case s.clock.Now().After(pending.ExpiresAt):
		return nil, s.stateFailure(clientIP, "pending authentication expired")
	}

	user, err := s.store.GetUserByID(ctx, pending.UserID)
	if err != nil {
		return nil, err
	}

	secret, err := s.vault.DecryptString(user.TOTPSecret)
	if err != nil {
		return nil, err
	}

	ok, err := totp.ValidateCustom(req.Code, secret, s.clock.Now(), totpOpts())
	if err != nil || !ok {
		return nil, s.loginFailure(clientIP, user.Username, "totp code rejected")
	}

	bound, err := s.bindSession(sess, user, pending.RememberMe)
	if err != nil {
		return nil, err
	}
	s.finishLogin(ctx, user, clientIP, "totp")
	return &LoginResult{Session: bound, User: user}, nil
}

// Logout destroys the session. Logging out an anonymous or unknown
// session is not an error.
func (s *Service) Logout(ctx context.Context, sess *session.Session) error {
	if err := s.sessions.Destroy(sess.ID); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "failed to destroy session")
	}
	if sess.UserID != "" {
		s.events.Publish(&events.Event{
			Type:     events.EventLogout,
			Message:  "user logged out",
			Metadata: map[string]string{"user_id": sess.UserID, "username": sess.Username},
		})
	}
	return nil
}

// beginPendingAuth rotates the session into the Pending2FA state. The
// user is deliberately not bound yet; only the pending record carries
// the identity until the second factor verifies.
func (s *Service) beginPendingAuth(sess *session.Session, user *types.User, rememberMe bool) (*LoginResult, error) {
	token, err := newTempToken()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	next := *sess
	next.UserID = ""
	next.Username = ""
	next.RequiresSecondFactor = true
	next.PendingAuth = &session.PendingAuth{
		UserID:     user.ID,
		Username:   user.Username,
		TempToken:  token,
		RememberMe: rememberMe,
		ExpiresAt:  now.Add(pendingAuthTTL),
	}

	rotated, err := s.sessions.Rotate(&next)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Session: rotated, RequiresTwoFactor: true, TempToken: token}, nil
}

// bindSession rotates the session and binds it to the user in the same
// store transaction, so a rotation failure leaves no partially
// authenticated state behind.
func (s *Service) bindSession(sess *session.Session, user *types.User, rememberMe bool) (*session.Session, error) {
	now := s.clock.Now()
	next := *sess
	next.UserID = user.ID
	next.Username = user.Username
	next.RequiresSecondFactor = false
	next.PendingAuth = nil
	next.Challenge = nil
	next.TempTOTPSecret = ""
	next.RememberMe = rememberMe
	next.ExpiresAt = now.Add(s.sessions.TTLFor(rememberMe))

	return s.sessions.Rotate(&next)
}

// finishLogin records the bookkeeping shared by every successful
// authentication path.
func (s *Service) finishLogin(ctx context.Context, user *types.User, clientIP, method string) {
	s.blacklist.Reset(clientIP)

	if err := s.store.UpdateUserLastLogin(ctx, user.ID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", user.ID).Msg("failed to record last login")
	}

	s.events.Publish(&events.Event{
		Type:    events.EventLoginSuccess,
		Message: "user authenticated",
		Metadata: map[string]string{
			"user_id":  user.ID,
			"username": user.Username,
			"method":   method,
		},
	})

	s.logger.Info().
		Str("user_id", user.ID).
		Str("method", method).
		Msg("authentication succeeded")
}

// loginFailure records failure telemetry and returns the generic
// credential error. The reason stays in logs and events only.
func (s *Service) loginFailure(clientIP, username, reason string) error {
	s.blacklist.RecordFailure(clientIP)
	s.events.Publish(&events.Event{
		Type:     events.EventLoginFailure,
		Message:  "authentication failed",
		Metadata: map[string]string{"username": username, "reason": reason},
	})
	s.logger.Info().Str("reason", reason).Msg("authentication failed")
	return errdefs.E(errdefs.KindInvalidCredentials, "invalid credentials")
}

// stateFailure is loginFailure's counterpart for second-factor state
// violations, which surface distinctly so clients can restart login.
func (s *Service) stateFailure(clientIP, reason string) error {
	s.blacklist.RecordFailure(clientIP)
	s.events.Publish(&events.Event{
		Type:     events.EventLoginFailure,
		Message:  "authentication failed",
		Metadata: map[string]string{"reason": reason},
	})
	s.logger.Info().Str("reason", reason).Msg("two-factor state rejected")
	return errdefs.E(errdefs.KindInvalidAuthState, "invalid authentication state")
}

func totpOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// newTempToken returns a 32-byte random token, hex encoded.
func newTempToken() (string, error) {
	buf := make([]byte, tempTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate temp token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
