/*
Package session provides server-side session management backed by bbolt.

Sessions are the authority for who a request is; the browser only ever holds
an opaque, HMAC-signed session id. All authentication state (logged-in user,
pending second factor, WebAuthn challenge) lives server-side in a bbolt
bucket, and every privilege transition swaps the session id so a pre-login id
is worthless after login.

# Architecture

	┌──────────────────── SESSION MANAGER ─────────────────────┐
	│                                                          │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Cookie Layer                  │          │
	│  │  nexus_session = <id>.<HMAC-SHA256 tag>    │          │
	│  │  Sign on write, Verify on read             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │ verified id                        │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Manager                       │          │
	│  │  Create / Get / Save / Rotate / Destroy    │          │
	│  │  TTLFor(rememberMe), Count                 │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         bbolt bucket "sessions"            │          │
	│  │  key: session id (32 random bytes, hex)    │          │
	│  │  value: JSON-encoded Session               │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Janitor                       │          │
	│  │  periodic sweep of expired sessions        │          │
	│  └────────────────────────────────────────────┘          │
	└──────────────────────────────────────────────────────────┘

# Core Components

Manager:
  - Owns the bbolt database and the signing secret
  - Create mints anonymous sessions; Rotate swaps ids in one
    transaction; Destroy deletes
  - Sign/Verify translate between ids and cookie values
  - StartJanitor launches the periodic expiry sweep

Session:
  - ID: 32 random bytes, hex-encoded (64 chars)
  - UserID/Username: set once authenticated
  - RequiresSecondFactor: true between password and TOTP/passkey
  - PendingAuth: half-completed login awaiting a second factor
  - Challenge: outstanding WebAuthn ceremony data
  - TempTOTPSecret: enrollment secret before confirmation
  - RememberMe, CreatedAt, ExpiresAt

PendingAuth:
  - UserID, Username, TempToken, RememberMe, ExpiresAt
  - TempToken is single-use and compared in constant time
  - Expires five minutes after the password step

Challenge:
  - Purpose: "registration" or "authentication"
  - Data: serialized WebAuthn session data
  - Short-lived; consumed by the ceremony finish step

Config:
  - Path: bbolt file (default nexus-sessions.db)
  - Secret: HMAC key, required
  - TTL / RememberMeTTL: session lifetimes (24h / 30d defaults)
  - CleanupInterval: janitor period (10m default)
  - Clock: clockwork clock; nil selects the real clock

# Session Lifecycle

 1. First request without a valid cookie: Create stores an anonymous
    session and the response sets the signed cookie
 2. Password accepted: Rotate issues a fresh id; the session carries
    PendingAuth (2FA enabled) or the user identity (2FA disabled)
 3. Second factor accepted: Rotate again; session becomes
    authenticated and PendingAuth is cleared
 4. Logout: Destroy removes the record; the cookie is expired
 5. Expiry: Get returns NotFound once ExpiresAt passes; the janitor
    deletes the record on its next sweep

Rotation is the fixation defense: the id present before a privilege
change never names the session after it. Rotate copies the record,
assigns a new id, and deletes the old one inside a single bolt
transaction, so a crash cannot leave both ids live.

# Cookie Format

	nexus_session = <id> "." base64url( HMAC-SHA256(secret, id) )

Verify recomputes the tag with hmac.Equal. Any malformed value, bad
encoding, or tag mismatch is reported as NotFound ("malformed session
cookie" / "signature mismatch") so probing yields nothing. The cookie
is HttpOnly, SameSite=Lax, and Secure behind TLS; JavaScript never
sees it and the signature makes offline forgery of ids useless without
the server secret.

# Janitor

StartJanitor launches a background sweep on the configured interval
(10m default). Each sweep walks the bucket in one transaction,
deletes every record whose ExpiresAt has passed, and logs the count
under component=session-janitor. Expiry is enforced at read time
regardless (Get refuses expired records), so the janitor is about
reclaiming space, not correctness: a stopped janitor leaks disk, not
access.

The sweep uses the manager's clock, so tests drive it with a fake
clock and observe deletions deterministically.

# Security Considerations

  - Session ids come from crypto/rand (32 bytes); guessing one is not
    a realistic attack, and the HMAC tag has to match anyway
  - The signing secret never leaves the process; rotating it invalidates
    every outstanding cookie at once, which is also the emergency
    logout-everyone lever
  - Rotation on privilege transitions defeats fixation: an id planted
    or captured pre-login stops resolving the moment login succeeds
  - Verify failures are deliberately indistinct (NotFound for
    malformed and forged alike) so probing the cookie format yields
    nothing
  - Records hold no secrets beyond the temp TOTP enrollment secret,
    which is vault ciphertext

# Usage

Creating the Manager:

	import "github.com/nexushq/nexus/pkg/session"

	mgr, err := session.NewManager(session.Config{
		Path:   cfg.Session.Path,
		Secret: cfg.Session.Secret,
		TTL:    24 * time.Hour,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()
	mgr.StartJanitor()

Resolving a Request's Session:

	id, err := mgr.Verify(cookie.Value)
	if err != nil {
		// treat as anonymous
	}
	sess, err := mgr.Get(id)

Rotating on Privilege Change:

	sess.UserID = user.ID
	sess.Username = user.Username
	fresh, err := mgr.Rotate(sess)
	if err != nil {
		return err
	}
	http.SetCookie(w, cookieFor(mgr.Sign(fresh.ID)))

Testing with a Fake Clock:

	clock := clockwork.NewFakeClock()
	mgr, _ := session.NewManager(session.Config{
		Path:   filepath.Join(t.TempDir(), "s.db"),
		Secret: "test-secret",
		TTL:    time.Hour,
		Clock:  clock,
	})
	clock.Advance(2 * time.Hour) // session now expired

# Integration Points

This package integrates with:

  - pkg/api: cookie middleware resolves sessions, handlers set cookies
  - pkg/auth: rotates on login steps, stores PendingAuth, Challenge,
    and TempTOTPSecret
  - pkg/metrics: Count feeds the active-sessions gauge
  - pkg/log: janitor logs under component session-janitor
  - pkg/errdefs: lookup failures surface as KindNotFound

# Design Patterns

Opaque Token:
  - The cookie carries no claims, only an id and a tag
  - Revocation is immediate: Destroy the record, the cookie is dead
  - Nothing about the user is decodable client-side

Single-Transaction Rotation:
  - Delete old id + insert new id in one bolt Update
  - No window where zero or two copies of the session exist

Uniform Lookup Failure:
  - Expired, missing, malformed, and forged cookies all read as
    NotFound to callers
  - The API layer treats all of them as "anonymous request"

# Performance Characteristics

  - Get/Save: single bolt transaction, tens of microseconds
  - Rotate: one read-modify-write transaction, similar cost
  - Janitor sweep: linear in live sessions; thousands per second
  - Database size: a few hundred bytes per session record

# Troubleshooting

Everyone Logged Out After Deploy:
  - Symptom: All existing cookies rejected at once
  - Cause: Session secret changed (signatures no longer verify)
  - Solution: Keep NEXUS_SESSION_SECRET stable across restarts

Sessions Expire Too Fast:
  - Symptom: Users re-login more often than the configured TTL
  - Check: session.ttl vs session.remember_me_ttl in config
  - Check: Whether logins send rememberMe and which TTL applied

Database Locked at Startup:
  - Symptom: NewManager fails to open the bbolt file
  - Cause: Another nexus process holds the file lock
  - Solution: One process per session database path

Stale Records Accumulate:
  - Symptom: Session file grows despite low traffic
  - Cause: Janitor not started, or CleanupInterval very long
  - Check: component=session-janitor sweep logs
  - Solution: Call StartJanitor after NewManager

# Best Practices

Do:
  - Rotate on every transition that grants or removes privilege
  - Use Destroy (not expiry) for logout
  - Give tests a fake clock and drive expiry explicitly

Don't:
  - Store the session id anywhere but the signed cookie
  - Put per-request scratch state in the Session record
  - Share one session database file between processes

# See Also

  - pkg/auth for the state machine stored inside sessions
  - pkg/api for cookie handling middleware
  - bbolt: https://github.com/etcd-io/bbolt
  - Session fixation: https://owasp.org/www-community/attacks/Session_fixation
*/
package session
