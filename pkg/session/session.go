package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/log"
)

var bucketSessions = []byte("sessions")

// Session is the server-side session record. The session id, delivered as a
// signed cookie, is the sole client handle.
type Session struct {
	ID                   string       `json:"id"`
	UserID               string       `json:"user_id,omitempty"`
	Username             string       `json:"username,omitempty"`
	RequiresSecondFactor bool         `json:"requires_second_factor,omitempty"`
	PendingAuth          *PendingAuth `json:"pending_auth,omitempty"`
	Challenge            *Challenge   `json:"challenge,omitempty"`
	TempTOTPSecret       string       `json:"temp_totp_secret,omitempty"`
	RememberMe           bool         `json:"remember_me,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	ExpiresAt            time.Time    `json:"expires_at"`
}

// Authenticated reports whether the session is bound to a user with no
// second factor outstanding.
func (s *Session) Authenticated() bool {
	return s.UserID != "" && !s.RequiresSecondFactor
}

// PendingAuth is the short-lived record attached to a session after a
// successful password check when the user has TOTP enabled.
type PendingAuth struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	TempToken  string    `json:"temp_token"`
	RememberMe bool      `json:"remember_me"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Challenge holds serialized WebAuthn ceremony state plus its issue time.
// The auth core enforces the five-minute expiry.
type Challenge struct {
	Purpose   string    `json:"purpose"` // registration or authentication
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Config holds session manager configuration.
type Config struct {
	// Path is the bolt database file.
	Path string

	// Secret signs cookie values (HMAC-SHA256).
	Secret string

	// TTL is the default session lifetime.
	TTL time.Duration

	// RememberMeTTL is the extended lifetime for remember-me logins.
	RememberMeTTL time.Duration

	// CleanupInterval is how often the janitor sweeps expired sessions.
	CleanupInterval time.Duration

	// Clock is injectable for tests; defaults to the real clock.
	Clock clockwork.Clock
}

// Manager owns the session store. Sessions live in a single bolt bucket,
// keyed by session id, JSON-encoded.
type Manager struct {
	db     *bolt.DB
	secret []byte
	cfg    Config
	clock  clockwork.Clock
	stopCh chan struct{}
}

// NewManager opens the session store.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("session secret is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	db, err := bolt.Open(cfg.Path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create session bucket: %w", err)
	}

	return &Manager{
		db:     db,
		secret: []byte(cfg.Secret),
		cfg:    cfg,
		clock:  cfg.Clock,
		stopCh: make(chan struct{}),
	}, nil
}

// Close stops the janitor and closes the store.
func (m *Manager) Close() error {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	return m.db.Close()
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

// TTLFor returns the session lifetime for the given remember-me choice.
func (m *Manager) TTLFor(rememberMe bool) time.Duration {
	if rememberMe {
		return m.cfg.RememberMeTTL
	}
	return m.cfg.TTL
}

// Create allocates a fresh anonymous session and persists it.
func (m *Manager) Create() (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	sess := &Session{
		ID:        id,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}

	if err := m.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get loads a session by id. Expired or unknown ids fail with NotFound.
func (m *Manager) Get(id string) (*Session, error) {
	var sess Session
	err := m.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return errdefs.E(errdefs.KindNotFound, "session not found")
		}
		return json.Unmarshal(data, &sess)
	})
	if err != nil {
		return nil, err
	}

	if m.clock.Now().After(sess.ExpiresAt) {
		return nil, errdefs.E(errdefs.KindNotFound, "session expired")
	}
	return &sess, nil
}

// Save persists the session under its id.
func (m *Manager) Save(sess *Session) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSessions).Put([]byte(sess.ID), data)
	})
}

// Rotate discards the session's identifier and installs a new one, carrying
// all state over. The delete and insert happen in one transaction so a store
// failure leaves no partial state. The returned session is the only valid
// handle afterwards.
func (m *Manager) Rotate(sess *Session) (*Session, error) {
	newID, err := newSessionID()
	if err != nil {
		return nil, err
	}

	rotated := *sess
	rotated.ID = newID

	err = m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if err := b.Delete([]byte(sess.ID)); err != nil {
			return err
		}
		data, err := json.Marshal(&rotated)
		if err != nil {
			return err
		}
		return b.Put([]byte(newID), data)
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "session rotation failed")
	}

	return &rotated, nil
}

// Destroy removes a session. Removing an unknown id is not an error.
func (m *Manager) Destroy(id string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}

// Count reports how many sessions are stored, expired ones included
// until the janitor sweeps them.
func (m *Manager) Count() (int, error) {
	n := 0
	err := m.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketSessions).Stats().KeyN
		return nil
	})
	return n, err
}

// Sign produces the cookie value for a session id: the id plus an
// HMAC-SHA256 tag over it.
func (m *Manager) Sign(id string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(id))
	return id + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a cookie value and returns the embedded session id.
func (m *Manager) Verify(value string) (string, error) {
	i := strings.LastIndexByte(value, '.')
	if i < 0 {
		return "", errdefs.E(errdefs.KindNotFound, "malformed session cookie")
	}
	id, tag := value[:i], value[i+1:]

	want, err := base64.RawURLEncoding.DecodeString(tag)
	if err != nil {
		return "", errdefs.E(errdefs.KindNotFound, "malformed session cookie")
	}

	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(id))
	if !hmac.Equal(mac.Sum(nil), want) {
		return "", errdefs.E(errdefs.KindNotFound, "session cookie signature mismatch")
	}
	return id, nil
}

// StartJanitor begins the background sweep of expired sessions.
func (m *Manager) StartJanitor() {
	go m.janitorLoop()
}

func (m *Manager) janitorLoop() {
	logger := log.WithComponent("session-janitor")
	ticker := m.clock.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			removed, err := m.sweepExpired()
			if err != nil {
				logger.Error().Err(err).Msg("session sweep failed")
				continue
			}
			if removed > 0 {
				logger.Debug().Int("removed", removed).Msg("swept expired sessions")
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepExpired() (int, error) {
	now := m.clock.Now()
	var expired [][]byte

	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess Session
			if err := json.Unmarshal(v, &sess); err != nil {
				// Unreadable record: sweep it too.
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			if now.After(sess.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	err = m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(expired), nil
}

// newSessionID returns a 32-byte random identifier, hex-encoded.
func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
