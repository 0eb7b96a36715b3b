package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("NEXUS_SESSION_SECRET", "test-session-secret")
	t.Setenv("NEXUS_MASTER_KEY", testMasterKey)
	t.Setenv("NEXUS_SERVER_PORT", "9090")
	t.Setenv("NEXUS_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "test-session-secret", cfg.Session.Secret)
	assert.Equal(t, testMasterKey, cfg.MasterKey)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Defaults fill everything not set.
	assert.Equal(t, 5, cfg.Batch.DefaultConcurrency)
	assert.Equal(t, 5, cfg.Auth.MaxFailedAttempts)
	assert.Equal(t, "nexus.db", cfg.Database.Path)
}

func TestLoadMissingSessionSecret(t *testing.T) {
	t.Setenv("NEXUS_MASTER_KEY", testMasterKey)

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Session.Secret")
}

func TestLoadMissingMasterKey(t *testing.T) {
	t.Setenv("NEXUS_SESSION_SECRET", "s")

	_, err := Load("")
	require.Error(t, err)
}

func TestValidateMasterKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "valid 64-hex key", key: testMasterKey, wantErr: false},
		{name: "too short", key: "abcd", wantErr: true},
		{name: "not hex", key: strings.Repeat("zz", 32), wantErr: true},
		{name: "empty", key: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMasterKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOrigins(t *testing.T) {
	s := ServerConfig{AllowedOrigins: "https://a.example, https://b.example ,"}
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, s.Origins())

	assert.Nil(t, ServerConfig{}.Origins())
}

func TestListenAddr(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 8080}
	assert.Equal(t, "127.0.0.1:8080", s.ListenAddr())
}
