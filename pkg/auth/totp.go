package auth

import (
	"context"

	"github.com/pquerna/otp/totp"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/events"
	"github.com/nexushq/nexus/pkg/session"
)

// TOTPSetup is the provisioning material returned when enrollment
// starts. Secret is shown once for manual entry; URL feeds QR code
// generators.
type TOTPSetup struct {
	Secret string
	URL    string
}

// BeginTOTPSetup generates a fresh TOTP secret and parks it on the
// session, encrypted, until the user confirms a code. Nothing touches
// the user record yet, so abandoning setup leaves 2FA off.
func (s *Service) BeginTOTPSetup(ctx context.Context, sess *session.Session) (*TOTPSetup, error) {
	user, err := s.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: user.Username,
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "failed to generate TOTP secret")
	}

	ciphertext, err := s.vault.EncryptString(key.Secret())
	if err != nil {
		return nil, err
	}

	sess.TempTOTPSecret = ciphertext
	if err := s.sessions.Save(sess); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "failed to persist session")
	}

	return &TOTPSetup{Secret: key.Secret(), URL: key.URL()}, nil
}

// EnableTOTP confirms enrollment with a code generated from the pending
// secret and persists the secret on the user record.
func (s *Service) EnableTOTP(ctx context.Context, sess *session.Session, code string) error {
	if sess.TempTOTPSecret == "" {
		return errdefs.E(errdefs.KindInvalidAuthState, "no TOTP setup in progress")
	}

	secret, err := s.vault.DecryptString(sess.TempTOTPSecret)
	if err != nil {
		return err
	}

	ok, err := totp.ValidateCustom(code, secret, s.clock.Now(), totpOpts())
	if err != nil || !ok {
		return errdefs.E(errdefs.KindValidationError, "verification code rejected")
	}

	if err := s.store.UpdateUserTOTPSecret(ctx, sess.UserID, sess.TempTOTPSecret); err != nil {
		return err
	}

	sess.TempTOTPSecret = ""
	if err := s.sessions.Save(sess); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "failed to persist session")
	}

	s.events.Publish(&events.Event{
		Type:     events.EventTwoFactorEnabled,
		Message:  "two-factor authentication enabled",
		Metadata: map[string]string{"user_id": sess.UserID, "username": sess.Username},
	})
	return nil
}

// DisableTOTP turns 2FA off after the user proves possession of the
// current authenticator.
func (s *Service) DisableTOTP(ctx context.Context, sess *session.Session, code string) error {
	user, err := s.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return err
	}
	if !user.TwoFactorEnabled() {
		return errdefs.E(errdefs.KindInvalidAuthState, "two-factor authentication is not enabled")
	}

	secret, err := s.vault.DecryptString(user.TOTPSecret)
	if err != nil {
		return err
	}

	ok, err := totp.ValidateCustom(code, secret, s.clock.Now(), totpOpts())
	if err != nil || !ok {
		return errdefs.E(errdefs.KindValidationError, "verification code rejected")
	}

	if err := s.store.UpdateUserTOTPSecret(ctx, user.ID, ""); err != nil {
		return err
	}

	s.events.Publish(&events.Event{
		Type:     events.EventTwoFactorDisabled,
		Message:  "two-factor authentication disabled",
		Metadata: map[string]string{"user_id": user.ID, "username": user.Username},
	})
	return nil
}
