package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/events"
	"github.com/nexushq/nexus/pkg/session"
	"github.com/nexushq/nexus/pkg/storage"
	"github.com/nexushq/nexus/pkg/types"
	"github.com/nexushq/nexus/pkg/vault"
)

const (
	testMasterKey  = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testTOTPSecret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"
	testClientIP   = "203.0.113.7"
)

type fixture struct {
	svc       *Service
	store     storage.Store
	sessions  *session.Manager
	vault     *vault.Vault
	broker    *events.Broker
	blacklist *MemoryBlacklist
	clock     *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "nexus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClock()
	sessions, err := session.NewManager(session.Config{
		Path:          filepath.Join(t.TempDir(), "sessions.db"),
		Secret:        "test-secret",
		TTL:           24 * time.Hour,
		RememberMeTTL: 30 * 24 * time.Hour,
		Clock:         clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	v, err := vault.NewFromHex(testMasterKey)
	require.NoError(t, err)

	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "Nexus",
		RPID:          "localhost",
		RPOrigins:     []string{"http://localhost:8080"},
	})
	require.NoError(t, err)

	broker := events.NewBroker()
	blacklist := NewMemoryBlacklist(5, 15*time.Minute, clock)

	svc := NewService(Config{
		Store:     store,
		Sessions:  sessions,
		Vault:     v,
		Events:    broker,
		Blacklist: blacklist,
		WebAuthn:  wa,
		Clock:     clock,
	})

	return &fixture{
		svc:       svc,
		store:     store,
		sessions:  sessions,
		vault:     v,
		broker:    broker,
		blacklist: blacklist,
		clock:     clock,
	}
}

func (f *fixture) createUser(t *testing.T, username, password, totpSecret string) *types.User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	user := &types.User{Username: username, PasswordHash: string(hash)}
	if totpSecret != "" {
		ciphertext, err := f.vault.EncryptString(totpSecret)
		require.NoError(t, err)
		user.TOTPSecret = ciphertext
	}

	id, err := f.store.CreateUser(context.Background(), user)
	require.NoError(t, err)
	user.ID = id
	return user
}

func (f *fixture) anonymousSession(t *testing.T) *session.Session {
	t.Helper()
	sess, err := f.sessions.Create()
	require.NoError(t, err)
	return sess
}

func TestLoginRotatesSessionID(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")
	sess := f.anonymousSession(t)
	oldID := sess.ID

	result, err := f.svc.Login(context.Background(), sess, LoginRequest{
		Username: "alice",
		Password: "hunter2!",
	}, testClientIP)
	require.NoError(t, err)

	assert.False(t, result.RequiresTwoFactor)
	assert.NotEqual(t, oldID, result.Session.ID)
	assert.True(t, result.Session.Authenticated())
	assert.Equal(t, "alice", result.Session.Username)

	// The pre-login identifier must be dead.
	_, err = f.sessions.Get(oldID)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))

	// The new one resolves to the bound session.
	got, err := f.sessions.Get(result.Session.ID)
	require.NoError(t, err)
	assert.True(t, got.Authenticated())
}

func TestLoginWrongPasswordAndUnknownUserLookAlike(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")

	sess := f.anonymousSession(t)
	_, errWrongPassword := f.svc.Login(context.Background(), sess, LoginRequest{
		Username: "alice",
		Password: "nope",
	}, testClientIP)
	require.Error(t, errWrongPassword)

	sess = f.anonymousSession(t)
	_, errUnknownUser := f.svc.Login(context.Background(), sess, LoginRequest{
		Username: "mallory",
		Password: "nope",
	}, testClientIP)
	require.Error(t, errUnknownUser)

	assert.Equal(t, errdefs.KindInvalidCredentials, errdefs.KindOf(errWrongPassword))
	assert.Equal(t, errdefs.KindInvalidCredentials, errdefs.KindOf(errUnknownUser))
	assert.Equal(t, errWrongPassword.Error(), errUnknownUser.Error())
}

func TestLoginWithTOTPEntersPendingState(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", testTOTPSecret)
	sess := f.anonymousSession(t)
	oldID := sess.ID

	result, err := f.svc.Login(context.Background(), sess, LoginRequest{
		Username:   "alice",
		Password:   "hunter2!",
		RememberMe: true,
	}, testClientIP)
	require.NoError(t, err)

	assert.True(t, result.RequiresTwoFactor)
	assert.Len(t, result.TempToken, 64)
	assert.NotEqual(t, oldID, result.Session.ID)

	// Identity is not bound until the second factor verifies.
	assert.False(t, result.Session.Authenticated())
	assert.Empty(t, result.Session.UserID)
	require.NotNil(t, result.Session.PendingAuth)
	assert.Equal(t, result.TempToken, result.Session.PendingAuth.TempToken)
	assert.True(t, result.Session.PendingAuth.RememberMe)
}

func TestVerifyTwoFactor(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", testTOTPSecret)
	sess := f.anonymousSession(t)

	pending, err := f.svc.Login(context.Background(), sess, LoginRequest{
		Username:   "alice",
		Password:   "hunter2!",
		RememberMe: true,
	}, testClientIP)
	require.NoError(t, err)
	pendingID := pending.Session.ID

	// A wrong temp-token is a state violation, not a credential error.
	code, err := totp.GenerateCode(testTOTPSecret, f.clock.Now())
	require.NoError(t, err)
	_, err = f.svc.VerifyTwoFactor(context.Background(), pending.Session, TwoFactorRequest{
		TempToken: "wrong",
		Code:      code,
	}, testClientIP)
	assert.Equal(t, errdefs.KindInvalidAuthState, errdefs.KindOf(err))

	// The correct temp-token plus a valid code authenticates and rotates
	// the identifier a second time.
	result, err := f.svc.VerifyTwoFactor(context.Background(), pending.Session, TwoFactorRequest{
		TempToken: pending.TempToken,
		Code:      code,
	}, testClientIP)
	require.NoError(t, err)

	assert.True(t, result.Session.Authenticated())
	assert.NotEqual(t, pendingID, result.Session.ID)
	assert.Nil(t, result.Session.PendingAuth)
	assert.True(t, result.Session.RememberMe, "remember-me choice from login is honored")

	_, err = f.sessions.Get(pendingID)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}

func TestVerifyTwoFactorExpires(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", testTOTPSecret)
	sess := f.anonymousSession(t)

	pending, err := f.svc.Login(context.Background(), sess, LoginRequest{
		Username: "alice",
		Password: "hunter2!",
	}, testClientIP)
	require.NoError(t, err)

	f.clock.Advance(5*time.Minute + time.Second)

	code, err := totp.GenerateCode(testTOTPSecret, f.clock.Now())
	require.NoError(t, err)
	_, err = f.svc.VerifyTwoFactor(context.Background(), pending.Session, TwoFactorRequest{
		TempToken: pending.TempToken,
		Code:      code,
	}, testClientIP)
	assert.Equal(t, errdefs.KindInvalidAuthState, errdefs.KindOf(err))
}

func TestRepeatedFailuresBlockTheIP(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")

	for i := 0; i < 5; i++ {
		sess := f.anonymousSession(t)
		_, err := f.svc.Login(context.Background(), sess, LoginRequest{
			Username: "alice",
			Password: "nope",
		}, testClientIP)
		assert.Equal(t, errdefs.KindInvalidCredentials, errdefs.KindOf(err))
	}

	// Even the correct password is refused while the block lasts.
	sess := f.anonymousSession(t)
	_, err := f.svc.Login(context.Background(), sess, LoginRequest{
		Username: "alice",
		Password: "hunter2!",
	}, testClientIP)
	assert.Equal(t, errdefs.KindRateLimited, errdefs.KindOf(err))

	// Other addresses are unaffected.
	sess = f.anonymousSession(t)
	result, err := f.svc.Login(context.Background(), sess, LoginRequest{
		Username: "alice",
		Password: "hunter2!",
	}, "198.51.100.9")
	require.NoError(t, err)
	assert.True(t, result.Session.Authenticated())

	// The block lifts after the window.
	f.clock.Advance(15*time.Minute + time.Second)
	sess = f.anonymousSession(t)
	_, err = f.svc.Login(context.Background(), sess, LoginRequest{
		Username: "alice",
		Password: "hunter2!",
	}, testClientIP)
	require.NoError(t, err)
}

func TestSuccessfulLoginResetsFailureCount(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")

	for i := 0; i < 4; i++ {
		sess := f.anonymousSession(t)
		_, _ = f.svc.Login(context.Background(), sess, LoginRequest{
			Username: "alice",
			Password: "nope",
		}, testClientIP)
	}

	sess := f.anonymousSession(t)
	_, err := f.svc.Login(context.Background(), sess, LoginRequest{
		Username: "alice",
		Password: "hunter2!",
	}, testClientIP)
	require.NoError(t, err)

	// The counter started over; four more failures still stay under the
	// threshold.
	for i := 0; i < 4; i++ {
		sess := f.anonymousSession(t)
		_, err := f.svc.Login(context.Background(), sess, LoginRequest{
			Username: "alice",
			Password: "nope",
		}, testClientIP)
		assert.Equal(t, errdefs.KindInvalidCredentials, errdefs.KindOf(err))
	}
}

func TestLogoutDestroysSession(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")
	sess := f.anonymousSession(t)

	result, err := f.svc.Login(context.Background(), sess, LoginRequest{
		Username: "alice",
		Password: "hunter2!",
	}, testClientIP)
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(context.Background(), result.Session))

	_, err = f.sessions.Get(result.Session.ID)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}

func TestTOTPEnrollment(t *testing.T) {
	f := newFixture(t)
	user := f.createUser(t, "alice", "hunter2!", "")
	sess := f.anonymousSession(t)

	result, err := f.svc.Login(context.Background(), sess, LoginRequest{
		Username: "alice",
		Password: "hunter2!",
	}, testClientIP)
	require.NoError(t, err)
	authed := result.Session

	setup, err := f.svc.BeginTOTPSetup(context.Background(), authed)
	require.NoError(t, err)
	assert.NotEmpty(t, setup.Secret)
	assert.Contains(t, setup.URL, "otpauth://")
	assert.NotEmpty(t, authed.TempTOTPSecret)
	assert.NotEqual(t, setup.Secret, authed.TempTOTPSecret, "session holds ciphertext, not the secret")

	// A wrong code does not enable anything.
	err = f.svc.EnableTOTP(context.Background(), authed, "000000")
	assert.Equal(t, errdefs.KindValidationError, errdefs.KindOf(err))

	code, err := totp.GenerateCode(setup.Secret, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.svc.EnableTOTP(context.Background(), authed, code))
	assert.Empty(t, authed.TempTOTPSecret)

	stored, err := f.store.GetUserByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.True(t, stored.TwoFactorEnabled())

	plaintext, err := f.vault.DecryptString(stored.TOTPSecret)
	require.NoError(t, err)
	assert.Equal(t, setup.Secret, plaintext)

	// Disabling requires a current code too.
	err = f.svc.DisableTOTP(context.Background(), authed, "000000")
	assert.Equal(t, errdefs.KindValidationError, errdefs.KindOf(err))

	code, err = totp.GenerateCode(setup.Secret, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.svc.DisableTOTP(context.Background(), authed, code))

	stored, err = f.store.GetUserByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.False(t, stored.TwoFactorEnabled())
}

func TestPasskeyChallengeLifecycle(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")
	sess := f.anonymousSession(t)

	result, err := f.svc.Login(context.Background(), sess, LoginRequest{
		Username: "alice",
		Password: "hunter2!",
	}, testClientIP)
	require.NoError(t, err)
	authed := result.Session

	options, err := f.svc.PasskeyRegistrationOptions(context.Background(), authed)
	require.NoError(t, err)
	assert.NotEmpty(t, options.Response.Challenge)
	require.NotNil(t, authed.Challenge)
	assert.Equal(t, challengeRegistration, authed.Challenge.Purpose)

	// Verification after the five-minute window fails with a distinct,
	// recoverable error.
	f.clock.Advance(5*time.Minute + time.Second)
	_, err = f.svc.RegisterPasskey(context.Background(), authed, &protocol.ParsedCredentialCreationData{}, "laptop")
	assert.Equal(t, errdefs.KindChallengeExpired, errdefs.KindOf(err))
	assert.Nil(t, authed.Challenge, "expired challenge is discarded")

	// A fresh options request succeeds and installs a new challenge.
	options, err = f.svc.PasskeyRegistrationOptions(context.Background(), authed)
	require.NoError(t, err)
	assert.NotEmpty(t, options.Response.Challenge)
	require.NotNil(t, authed.Challenge)
}

func TestAuthenticatePasskeyWithoutChallenge(t *testing.T) {
	f := newFixture(t)
	sess := f.anonymousSession(t)

	_, err := f.svc.AuthenticatePasskey(context.Background(), sess, &protocol.ParsedCredentialAssertionData{}, false, testClientIP)
	assert.Equal(t, errdefs.KindInvalidAuthState, errdefs.KindOf(err))
}

func TestPasskeyChallengeConsumedOnFailedAttempt(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")
	sess := f.anonymousSession(t)

	_, err := f.svc.PasskeyAuthenticationOptions(context.Background(), sess, "alice")
	require.NoError(t, err)
	require.NotNil(t, sess.Challenge)

	// An assertion for a credential nobody registered fails, and the
	// attempt burns the challenge.
	_, err = f.svc.AuthenticatePasskey(context.Background(), sess, &protocol.ParsedCredentialAssertionData{}, false, testClientIP)
	assert.Equal(t, errdefs.KindInvalidCredentials, errdefs.KindOf(err))
	assert.Nil(t, sess.Challenge)

	// Retrying with the same ceremony state is a state violation, not
	// another credential guess.
	_, err = f.svc.AuthenticatePasskey(context.Background(), sess, &protocol.ParsedCredentialAssertionData{}, false, testClientIP)
	assert.Equal(t, errdefs.KindInvalidAuthState, errdefs.KindOf(err))
}

func TestPasskeySignCounterMustAdvance(t *testing.T) {
	f := newFixture(t)
	user := f.createUser(t, "alice", "hunter2!", "")
	sess := f.anonymousSession(t)

	credID := []byte{0x01, 0x02, 0x03}
	_, err := f.store.CreatePasskey(context.Background(), &types.Passkey{
		UserID:       user.ID,
		CredentialID: credID,
		PublicKey:    []byte{0xAA},
		SignCount:    7,
		Name:         "yubikey",
	})
	require.NoError(t, err)

	passkey, err := f.store.GetPasskeyByCredentialID(context.Background(), credID)
	require.NoError(t, err)
	wuser := &webauthnUser{user: user, passkeys: []*types.Passkey{passkey}}

	// Equal or regressed counters signal a cloned authenticator: the
	// assertion is rejected and the stored counter stays put.
	for _, presented := range []uint32{7, 3} {
		cred := &webauthn.Credential{ID: credID, Authenticator: webauthn.Authenticator{SignCount: presented}}
		_, err = f.svc.completeAssertion(context.Background(), sess, wuser, passkey, cred, false, testClientIP)
		assert.Equal(t, errdefs.KindCounterRegression, errdefs.KindOf(err))
		assert.False(t, sess.Authenticated())

		stored, gerr := f.store.GetPasskeyByCredentialID(context.Background(), credID)
		require.NoError(t, gerr)
		assert.Equal(t, uint32(7), stored.SignCount)
	}

	// A strictly larger counter authenticates and persists.
	cred := &webauthn.Credential{ID: credID, Authenticator: webauthn.Authenticator{SignCount: 8}}
	result, err := f.svc.completeAssertion(context.Background(), sess, wuser, passkey, cred, false, testClientIP)
	require.NoError(t, err)
	assert.True(t, result.Session.Authenticated())
	assert.Equal(t, user.ID, result.Session.UserID)

	stored, err := f.store.GetPasskeyByCredentialID(context.Background(), credID)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), stored.SignCount)
}

func TestPasskeyAuthenticationOptionsHideAccountExistence(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")

	// Neither an unknown user nor a user without passkeys is
	// distinguishable from the outside: both get discoverable options.
	sess := f.anonymousSession(t)
	forGhost, err := f.svc.PasskeyAuthenticationOptions(context.Background(), sess, "ghost")
	require.NoError(t, err)
	assert.Empty(t, forGhost.Response.AllowedCredentials)

	sess = f.anonymousSession(t)
	forAlice, err := f.svc.PasskeyAuthenticationOptions(context.Background(), sess, "alice")
	require.NoError(t, err)
	assert.Empty(t, forAlice.Response.AllowedCredentials)
	require.NotNil(t, sess.Challenge)
	assert.Equal(t, challengeAuthentication, sess.Challenge.Purpose)
}

func TestHasPasskeys(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")

	has, err := f.svc.HasPasskeys(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, has)

	has, err = f.svc.HasPasskeys(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, has, "unknown users look like users without passkeys")
}

func TestLoginEventsPublished(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")

	var seen []events.EventType
	f.broker.Subscribe(func(e *events.Event) {
		seen = append(seen, e.Type)
	})

	sess := f.anonymousSession(t)
	_, err := f.svc.Login(context.Background(), sess, LoginRequest{
		Username: "alice",
		Password: "nope",
	}, testClientIP)
	require.Error(t, err)

	sess = f.anonymousSession(t)
	_, err = f.svc.Login(context.Background(), sess, LoginRequest{
		Username: "alice",
		Password: "hunter2!",
	}, testClientIP)
	require.NoError(t, err)

	assert.Equal(t, []events.EventType{events.EventLoginFailure, events.EventLoginSuccess}, seen)
}
