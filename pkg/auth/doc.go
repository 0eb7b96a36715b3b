/*
Package auth implements the authentication core: password logins with
optional CAPTCHA, TOTP second factor, WebAuthn passkeys, and the failure
telemetry that feeds the IP blacklist.

The package owns every authentication decision. HTTP handlers translate
requests into Service calls and cookies; nothing above this layer compares a
password, validates a code, or advances a signature counter.

# State Machine

	            password ok,            temp-token match
	            TOTP enrolled           + valid TOTP code
	┌───────────┐ ────────────► ┌────────────┐ ────────────► ┌───────────────┐
	│ Anonymous │               │ Pending2FA │               │ Authenticated │
	└───────────┘ ◄──────────── └────────────┘               └───────┬───────┘
	      ▲          expiry /                                        │
	      │          restart                                         │ logout
	      │                                                          ▼
	      │        password ok, no TOTP  /  valid passkey     session destroyed
	      └──────────────────────────────────────────────────────────┘

Every arrow that changes authentication status rotates the session
identifier: the old id is deleted and a new one installed, with the new
state written in the same store transaction. A client that captured a
pre-login session id holds nothing after login succeeds.

# Core Components

Service:
  - The authentication state machine and all its transitions
  - Login, VerifyTwoFactor, Logout
  - TOTP enrollment: BeginTOTPSetup, EnableTOTP, DisableTOTP
  - Passkeys: registration and authentication ceremonies, listing,
    removal, HasPasskeys
  - Publishes every outcome on the event broker

Config:
  - Store, Sessions, Vault, Events: the shared infrastructure
  - Captcha + CaptchaEnabled: pluggable pre-auth gate
  - Blacklist: failure counting and IP blocking
  - WebAuthn: configured relying party
  - Clock: clockwork clock for TTL logic

Blacklist / MemoryBlacklist:
  - IsBlocked, RecordFailure, Reset per client IP
  - Consecutive failures past the threshold block the IP for the
    configured duration; a success resets the counter

CaptchaVerifier / NoopCaptcha:
  - Verify(token, clientIP) called only when CAPTCHA is enabled
  - NoopCaptcha accepts everything; real deployments plug a provider

# Authentication Flows

Password, no second factor:
 1. Login: blacklist check, optional CAPTCHA, user lookup, bcrypt
    compare
 2. Session rotates directly to Authenticated
 3. login.success publishes with method password

Password + TOTP:
 1. Login succeeds the password step; the session rotates into
    Pending2FA carrying a 32-byte temp token, five minute expiry
 2. The client echoes the temp token plus a TOTP code to
    VerifyTwoFactor
 3. Token comparison is constant-time; the code verifies with a
    one-step window either direction
 4. Session rotates to Authenticated; login.success with method totp

Passkey:
 1. PasskeyAuthenticationOptions issues a challenge (named user or
    discoverable ceremony)
 2. AuthenticatePasskey parses the assertion, verifies it against the
    stored credential, and enforces a strictly increasing signature
    counter
 3. Session rotates to Authenticated; login.success with method
    passkey

# Oracle Resistance

CAPTCHA rejection, unknown usernames, and wrong passwords all return
one identical credential error. Pending-2FA violations (missing
record, temp-token mismatch, expiry) return one identical state error.
Which step failed is recorded in logs and events, never in the
response. Passkey authentication options for unknown users fall back
to a discoverable-credential ceremony so the response shape does not
confirm account existence.

The blacklist counts every failure regardless of which step rejected
it, and a block is reported through the same generic credential error
as a wrong password.

# CAPTCHA and Blacklist

Both gates run before any credential work:

 1. IsBlocked(clientIP): a blocked address fails immediately, through
    the generic credential error
 2. Captcha.Verify(token, clientIP): only when CaptchaEnabled; a
    rejection is indistinguishable from a wrong password
 3. The password step runs only after both gates pass

RecordFailure counts every rejected attempt against the client IP;
reaching the threshold blocks the address for the configured duration.
A completed login calls Reset, so a legitimate user who fumbles a few
times clears their own slate. Block state is in-memory and resets on
restart, which matches the short windows it enforces.

The CAPTCHA wiring ships with NoopCaptcha; deployments that turn
CaptchaEnabled on must inject a verifier for their provider, otherwise
every login carries a token nobody checks.

# Second Factors

TOTP:
  - Codes verify with a window of one step in either direction
  - Enrollment parks the candidate secret on the session, encrypted,
    and only writes it to the user record once a valid code proves
    the authenticator works
  - BeginTOTPSetup returns the secret and an otpauth:// URL for QR
    rendering; issuer is Nexus
  - Disabling requires a currently valid code

Passkeys:
  - Challenges expire five minutes after issue and are single-use:
    the finish step consumes the stored challenge
  - A presented signature counter that does not strictly exceed the
    stored value is treated as a cloned authenticator: the attempt
    aborts and the stored counter stays put
  - Credential ids, public keys, transports, and counters persist on
    the passkey record; RemovePasskey deletes by owner

# Security Considerations

Secrets at rest:
  - Passwords exist only as bcrypt hashes on the user record
  - TOTP secrets are vault ciphertext, both on the user record and
    while parked on the session during enrollment
  - Temp tokens are 32 random bytes, hex-encoded, single-use

Comparisons:
  - Passwords: bcrypt.CompareHashAndPassword
  - Temp tokens: crypto/subtle constant-time comparison
  - TOTP codes: library validation with the one-step window
  - Nothing short-circuits on length or prefix

What is never revealed:
  - Which login step failed (logs and events only)
  - Whether a username exists (uniform errors, discoverable passkey
    ceremonies)
  - Stored secrets of any kind in any response

Counter regression:
  - The passkey sign counter must strictly increase
  - A regression aborts authentication, leaves the stored counter
    untouched, and publishes a login failure naming the reason so
    operators can investigate a possible cloned authenticator

# Usage

Constructing the Service:

	import "github.com/nexushq/nexus/pkg/auth"

	svc := auth.NewService(auth.Config{
		Store:     store,
		Sessions:  sessions,
		Vault:     v,
		Events:    broker,
		Captcha:   auth.NoopCaptcha{},
		Blacklist: auth.NewMemoryBlacklist(5, 15*time.Minute, clock),
		WebAuthn:  wa,
	})

Password Login:

	result, err := svc.Login(ctx, sess, auth.LoginRequest{
		Username:   req.Username,
		Password:   req.Password,
		RememberMe: req.RememberMe,
	}, clientIP)
	if err != nil {
		return err // uniform credential error
	}
	if result.RequiresTwoFactor {
		// hand result.TempToken back to the client
	}

Completing 2FA:

	result, err := svc.VerifyTwoFactor(ctx, sess, auth.TwoFactorRequest{
		TempToken: req.TempToken,
		Code:      req.Code,
	}, clientIP)

Enrolling TOTP:

	setup, err := svc.BeginTOTPSetup(ctx, sess)
	// render setup.URL as a QR code
	err = svc.EnableTOTP(ctx, sess, firstCode)

Passkey Ceremony (server side):

	options, err := svc.PasskeyRegistrationOptions(ctx, sess)
	// browser: navigator.credentials.create(options)
	passkey, err := svc.RegisterPasskey(ctx, sess, parsedResponse, "yubikey-5")

Managing Enrolled Factors:

	keys, err := svc.ListPasskeys(ctx, sess)
	err = svc.RemovePasskey(ctx, sess, keys[0].ID)
	err = svc.DisableTOTP(ctx, sess, currentCode)

Logging Out:

	if err := svc.Logout(ctx, sess); err != nil {
		return err
	}
	// the session record is gone; clear the cookie

# Integration Points

This package integrates with:

  - pkg/session: rotation, pending state, challenge parking
  - pkg/storage: users, passkeys, last-login bookkeeping
  - pkg/vault: TOTP secrets encrypted at rest
  - pkg/events: login, logout, 2FA, and passkey events
  - pkg/api: handlers adapt HTTP to Service calls
  - pkg/errdefs: InvalidCredentials vs InvalidAuthState kinds
  - go-webauthn/webauthn: ceremony verification
  - pquerna/otp: TOTP generation and validation

# Design Patterns

Rotate on Transition:
  - Session fixation defense is structural, not a handler habit
  - bindSession and beginPendingAuth both go through Rotate

Uniform Failure Surfaces:
  - loginFailure: one error for every credential-step rejection
  - stateFailure: one error for every pending-state violation
  - Detail flows to logs and events only

Park Then Commit:
  - TOTP enrollment secrets and WebAuthn challenges live on the
    session until proven, then commit to the user record
  - Abandoned enrollments leave no trace on the account

Pluggable Gates:
  - CaptchaVerifier and Blacklist are interfaces; tests use the noop
    and fakes, production wires real implementations

# Performance Characteristics

  - bcrypt compare: ~50-100ms by design; dominates the login path
  - TOTP validation: microseconds
  - WebAuthn verification: sub-millisecond signature check
  - Blacklist: in-memory map lookups under one mutex

# Troubleshooting

All Logins Fail Generically:
  - Symptom: Correct credentials rejected with the generic error
  - Check: The audit event stream for the recorded reason
  - Cause: Often an IP block after prior failures, or CAPTCHA
    enabled without a real verifier
  - Solution: Wait out the block or fix the CAPTCHA wiring

2FA Codes Rejected:
  - Symptom: Valid-looking TOTP codes fail verification
  - Cause: Clock skew beyond one step between server and phone
  - Solution: Sync server time; re-enroll if the drift was at setup

Pending Login Expires:
  - Symptom: Second factor step returns the state error
  - Cause: More than five minutes between password and code
  - Solution: Restart the login; the pending state is gone

Passkey Rejected With Counter Message:
  - Symptom: Assertion fails, audit shows counter regression
  - Cause: Authenticator re-presented an old counter (clone or
    restored backup)
  - Solution: Remove and re-register the passkey after verifying no
    compromise

# Monitoring

  - nexus_logins_total{method}: successful logins by method
  - nexus_login_failures_total: all failed attempts
  - Event stream: auth.login.success/failure, auth.logout,
    auth.twofactor.enabled/disabled, auth.passkey.registered/
    authenticated

# Limitations

Current Limitations:
  - No account lockout distinct from IP blocking
  - No password reset or recovery-code flow
  - Blacklist state is per-process and lost on restart
  - One TOTP enrollment per user (no multiple authenticator apps)

Workarounds:
  - Recovery: an operator with storage access can reset a password
    hash directly
  - Multi-device TOTP: register the same secret on each device at
    enrollment time, or prefer passkeys which support many per user

# Best Practices

Do:
  - Pass the real client IP (behind proxies, the forwarded address)
  - Keep the generic errors generic when adding steps
  - Treat counter-regression aborts as security signals, not noise

Don't:
  - Return step-specific failures to clients
  - Skip rotation when adding a new transition to Authenticated
  - Store TOTP secrets or temp tokens anywhere but their fields

# See Also

  - pkg/session for rotation mechanics and pending state storage
  - pkg/api for the HTTP surface over this service
  - WebAuthn: https://www.w3.org/TR/webauthn-2/
  - TOTP: https://datatracker.ietf.org/doc/html/rfc6238
*/
package auth
