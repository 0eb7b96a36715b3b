package auth

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/events"
	"github.com/nexushq/nexus/pkg/session"
	"github.com/nexushq/nexus/pkg/types"
)

const (
	challengeRegistration   = "registration"
	challengeAuthentication = "authentication"
)

// webauthnUser adapts a user record and its stored passkeys to the
// webauthn.User interface.
type webauthnUser struct {
	user     *types.User
	passkeys []*types.Passkey
}

func (u *webauthnUser) WebAuthnID() []byte          { return []byte(u.user.ID) }
func (u *webauthnUser) WebAuthnName() string        { return u.user.Username }
func (u *webauthnUser) WebAuthnDisplayName() string { return u.user.Username }

func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, 0, len(u.passkeys))
	for _, p := range u.passkeys {
		creds = append(creds, passkeyCredential(p))
	}
	return creds
}

func passkeyCredential(p *types.Passkey) webauthn.Credential {
	return webauthn.Credential{
		ID:              p.CredentialID,
		PublicKey:       p.PublicKey,
		AttestationType: p.AttestationType,
		Transport:       parseTransports(p.Transports),
		Flags:           webauthn.CredentialFlags{BackupState: p.BackedUp},
		Authenticator: webauthn.Authenticator{
			AAGUID:    p.AAGUID,
			SignCount: p.SignCount,
		},
	}
}

func parseTransports(s string) []protocol.AuthenticatorTransport {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]protocol.AuthenticatorTransport, 0, len(parts))
	for _, p := range parts {
		out = append(out, protocol.AuthenticatorTransport(p))
	}
	return out
}

func joinTransports(ts []protocol.AuthenticatorTransport) string {
	parts := make([]string, 0, len(ts))
	for _, t := range ts {
		parts = append(parts, string(t))
	}
	return strings.Join(parts, ",")
}

// PasskeyRegistrationOptions starts a registration ceremony for the
// session's user. The challenge and its issue time live on the session
// until verification consumes them.
func (s *Service) PasskeyRegistrationOptions(ctx context.Context, sess *session.Session) (*protocol.CredentialCreation, error) {
	wuser, err := s.webauthnUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	options, sd, err := s.webAuthn.BeginRegistration(wuser)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "failed to begin passkey registration")
	}

	if err := s.storeChallenge(sess, challengeRegistration, sd); err != nil {
		return nil, err
	}
	return options, nil
}

// RegisterPasskey verifies the authenticator's registration response and
// persists the new credential. The stored signature counter starts at
// zero regardless of what the authenticator reported.
func (s *Service) RegisterPasskey(ctx context.Context, sess *session.Session, response *protocol.ParsedCredentialCreationData, name string) (*types.Passkey, error) {
	sd, err := s.takeChallenge(sess, challengeRegistration)
	if err != nil {
		return nil, err
	}

	wuser, err := s.webauthnUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	cred, err := s.webAuthn.CreateCredential(wuser, *sd, response)
	if err != nil {
		return nil, errdefs.E(errdefs.KindInvalidCredentials, "passkey verification failed")
	}

	if name == "" {
		name = "Passkey"
	}
	passkey := &types.Passkey{
		UserID:          sess.UserID,
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		AAGUID:          cred.Authenticator.AAGUID,
		SignCount:       0,
		Transports:      joinTransports(cred.Transport),
		Name:            name,
		BackedUp:        cred.Flags.BackupState,
	}

	id, err := s.store.CreatePasskey(ctx, passkey)
	if err != nil {
		return nil, err
	}
	passkey.ID = id

	s.events.Publish(&events.Event{
		Type:     events.EventPasskeyRegistered,
		Message:  "passkey registered",
		Metadata: map[string]string{"user_id": sess.UserID, "passkey_id": id},
	})
	return passkey, nil
}

// PasskeyAuthenticationOptions starts an authentication ceremony. When
// the username resolves to a user with passkeys the options constrain
// the allowed credentials; otherwise a discoverable-credential ceremony
// is issued so the response shape does not reveal whether the account
// exists.
func (s *Service) PasskeyAuthenticationOptions(ctx context.Context, sess *session.Session, username string) (*protocol.CredentialAssertion, error) {
	var (
		options *protocol.CredentialAssertion
		sd      *webauthn.SessionData
	)

	if username != "" {
		user, err := s.store.GetUser(ctx, username)
		if err == nil {
			passkeys, perr := s.store.ListPasskeysByUser(ctx, user.ID)
			if perr == nil && len(passkeys) > 0 {
				options, sd, err = s.webAuthn.BeginLogin(&webauthnUser{user: user, passkeys: passkeys})
				if err != nil {
					return nil, errdefs.Wrap(errdefs.KindInternal, err, "failed to begin passkey login")
				}
			}
		} else if !errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil, err
		}
	}

	if options == nil {
		var err error
		options, sd, err = s.webAuthn.BeginDiscoverableLogin()
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindInternal, err, "failed to begin passkey login")
		}
	}

	if err := s.storeChallenge(sess, challengeAuthentication, sd); err != nil {
		return nil, err
	}
	return options, nil
}

// AuthenticatePasskey verifies an assertion response and, on success,
// rotates the session and binds the credential's owner to it.
func (s *Service) AuthenticatePasskey(ctx context.Context, sess *session.Session, response *protocol.ParsedCredentialAssertionData, rememberMe bool, clientIP string) (*LoginResult, error) {
	if s.blacklist.IsBlocked(clientIP) {
		return nil, errdefs.E(errdefs.KindRateLimited, "too many failed attempts, try again later")
	}

	sd, err := s.takeChallenge(sess, challengeAuthentication)
	if err != nil {
		s.blacklist.RecordFailure(clientIP)
		return nil, err
	}

	passkey, err := s.store.GetPasskeyByCredentialID(ctx, response.RawID)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil, s.loginFailure(clientIP, "", "unknown credential")
		}
		return nil, err
	}

	wuser, err := s.webauthnUserByID(ctx, passkey.UserID)
	if err != nil {
		return nil, err
	}

	var cred *webauthn.Credential
	if len(sd.UserID) > 0 {
		cred, err = s.webAuthn.ValidateLogin(wuser, *sd, response)
	} else {
		cred, err = s.webAuthn.ValidateDiscoverableLogin(func(rawID, userHandle []byte) (webauthn.User, error) {
			return wuser, nil
		}, *sd, response)
	}
	if err != nil {
		return nil, s.loginFailure(clientIP, wuser.user.Username, "assertion rejected")
	}

	return s.completeAssertion(ctx, sess, wuser, passkey, cred, rememberMe, clientIP)
}

// completeAssertion applies the post-ceremony checks and binds the
// credential's owner to the session. The presented signature counter
// must strictly exceed the stored one; anything else indicates a cloned
// authenticator and aborts before any state is updated.
func (s *Service) completeAssertion(ctx context.Context, sess *session.Session, wuser *webauthnUser, passkey *types.Passkey, cred *webauthn.Credential, rememberMe bool, clientIP string) (*LoginResult, error) {
	newCount := cred.Authenticator.SignCount
	if newCount <= passkey.SignCount {
		s.blacklist.RecordFailure(clientIP)
		s.events.Publish(&events.Event{
			Type:     events.EventLoginFailure,
			Message:  "authentication failed",
			Metadata: map[string]string{"username": wuser.user.Username, "reason": "counter regression"},
		})
		s.logger.Warn().
			Str("passkey_id", passkey.ID).
			Uint32("stored", passkey.SignCount).
			Uint32("presented", newCount).
			Msg("passkey signature counter did not advance")
		return nil, errdefs.E(errdefs.KindCounterRegression, "authenticator rejected")
	}

	if err := s.store.UpdatePasskeyCounter(ctx, passkey.ID, newCount); err != nil {
		return nil, err
	}

	bound, err := s.bindSession(sess, wuser.user, rememberMe)
	if err != nil {
		return nil, err
	}

	s.events.Publish(&events.Event{
		Type:     events.EventPasskeyAuthenticated,
		Message:  "passkey authenticated",
		Metadata: map[string]string{"user_id": wuser.user.ID, "passkey_id": passkey.ID},
	})
	s.finishLogin(ctx, wuser.user, clientIP, "passkey")
	return &LoginResult{Session: bound, User: wuser.user}, nil
}

// HasPasskeys reports whether the named user has any registered
// passkeys. Unknown usernames report false rather than an error.
func (s *Service) HasPasskeys(ctx context.Context, username string) (bool, error) {
	return s.store.UserHasPasskeys(ctx, username)
}

// ListPasskeys returns the session user's registered passkeys.
func (s *Service) ListPasskeys(ctx context.Context, sess *session.Session) ([]*types.Passkey, error) {
	return s.store.ListPasskeysByUser(ctx, sess.UserID)
}

// RemovePasskey deletes one of the session user's passkeys. Ids that do
// not belong to the user fail with NotFound.
func (s *Service) RemovePasskey(ctx context.Context, sess *session.Session, passkeyID string) error {
	passkeys, err := s.store.ListPasskeysByUser(ctx, sess.UserID)
	if err != nil {
		return err
	}
	for _, p := range passkeys {
		if p.ID == passkeyID {
			return s.store.DeletePasskey(ctx, passkeyID)
		}
	}
	return errdefs.E(errdefs.KindNotFound, "passkey not found")
}

func (s *Service) webauthnUserByID(ctx context.Context, userID string) (*webauthnUser, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	passkeys, err := s.store.ListPasskeysByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &webauthnUser{user: user, passkeys: passkeys}, nil
}

// storeChallenge serializes ceremony state onto the session with its
// issue time.
func (s *Service) storeChallenge(sess *session.Session, purpose string, sd *webauthn.SessionData) error {
	raw, err := json.Marshal(sd)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "failed to encode challenge state")
	}
	sess.Challenge = &session.Challenge{
		Purpose:   purpose,
		Data:      raw,
		CreatedAt: s.clock.Now(),
	}
	if err := s.sessions.Save(sess); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "failed to persist session")
	}
	return nil
}

// takeChallenge validates the session's challenge record and returns the
// deserialized ceremony state. A missing or mismatched challenge is a
// state error; one older than five minutes expires. The record is
// consumed on any attempt, success or failure, so a challenge is good
// for exactly one verification.
func (s *Service) takeChallenge(sess *session.Session, purpose string) (*webauthn.SessionData, error) {
	ch := sess.Challenge
	if ch == nil || ch.Purpose != purpose {
		return nil, errdefs.E(errdefs.KindInvalidAuthState, "no %s ceremony in progress", purpose)
	}

	sess.Challenge = nil
	if err := s.sessions.Save(sess); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "failed to persist session")
	}

	if s.clock.Now().Sub(ch.CreatedAt) > challengeTTL {
		return nil, errdefs.E(errdefs.KindChallengeExpired, "challenge expired, request new options")
	}

	var sd webauthn.SessionData
	if err := json.Unmarshal(ch.Data, &sd); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "failed to decode challenge state")
	}
	return &sd, nil
}
