package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexushq/nexus/pkg/errdefs"
)

func newTestManager(t *testing.T, clock clockwork.Clock) *Manager {
	t.Helper()

	m, err := NewManager(Config{
		Path:            filepath.Join(t.TempDir(), "sessions.db"),
		Secret:          "test-secret",
		TTL:             24 * time.Hour,
		RememberMeTTL:   30 * 24 * time.Hour,
		CleanupInterval: time.Minute,
		Clock:           clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(t, nil)

	sess, err := m.Create()
	require.NoError(t, err)
	assert.Len(t, sess.ID, 64) // 32 random bytes, hex
	assert.False(t, sess.Authenticated())

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestGetUnknown(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Get("missing")
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestRotateInvalidatesOldID(t *testing.T) {
	m := newTestManager(t, nil)

	sess, err := m.Create()
	require.NoError(t, err)
	oldID := sess.ID

	sess.UserID = "u1"
	sess.Username = "alice"
	rotated, err := m.Rotate(sess)
	require.NoError(t, err)

	assert.NotEqual(t, oldID, rotated.ID)
	assert.Equal(t, "u1", rotated.UserID)
	assert.Equal(t, "alice", rotated.Username)

	// Old id is gone; new id resolves.
	_, err = m.Get(oldID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))

	got, err := m.Get(rotated.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
}

func TestSessionExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)

	sess, err := m.Create()
	require.NoError(t, err)

	clock.Advance(24*time.Hour + time.Second)

	_, err = m.Get(sess.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestSweepExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)

	for i := 0; i < 3; i++ {
		_, err := m.Create()
		require.NoError(t, err)
	}

	clock.Advance(25 * time.Hour)

	live, err := m.Create()
	require.NoError(t, err)

	removed, err := m.sweepExpired()
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	_, err = m.Get(live.ID)
	assert.NoError(t, err)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	m := newTestManager(t, nil)

	value := m.Sign("abc123")
	id, err := m.Verify(value)
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
}

func TestVerifyRejectsTampering(t *testing.T) {
	m := newTestManager(t, nil)

	value := m.Sign("abc123")

	// Change the embedded id but keep the tag.
	tampered := "zzz999" + value[6:]
	_, err := m.Verify(tampered)
	assert.Error(t, err)

	// Garbage values.
	for _, v := range []string{"", "no-dot", "id.!!!notbase64!!!"} {
		_, err := m.Verify(v)
		assert.Error(t, err, "value %q", v)
	}
}

func TestTTLFor(t *testing.T) {
	m := newTestManager(t, nil)

	assert.Equal(t, 24*time.Hour, m.TTLFor(false))
	assert.Equal(t, 30*24*time.Hour, m.TTLFor(true))
}
