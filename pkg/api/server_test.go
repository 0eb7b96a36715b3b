package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nexushq/nexus/pkg/auth"
	"github.com/nexushq/nexus/pkg/batch"
	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/events"
	"github.com/nexushq/nexus/pkg/session"
	"github.com/nexushq/nexus/pkg/sshutils"
	"github.com/nexushq/nexus/pkg/storage"
	"github.com/nexushq/nexus/pkg/transfer"
	"github.com/nexushq/nexus/pkg/types"
	"github.com/nexushq/nexus/pkg/vault"
)

const (
	testMasterKey  = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testTOTPSecret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"
)

// unreachableDialer stands in for the SSH layer: every host looks down.
type unreachableDialer struct{}

func (unreachableDialer) Dial(_ context.Context, conn *types.Connection, _ *vault.Credentials) (sshutils.Client, error) {
	return nil, errdefs.E(errdefs.KindUnreachable, "dial tcp %s: connection refused", conn.Host)
}

type fixture struct {
	handler   http.Handler
	server    *Server
	store     storage.Store
	sessions  *session.Manager
	vault     *vault.Vault
	batch     *batch.Executor
	transfers *transfer.Engine
	clock     *clockwork.FakeClock
}

type errEnvelope struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
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
	authSvc := auth.NewService(auth.Config{
		Store:     store,
		Sessions:  sessions,
		Vault:     v,
		Events:    broker,
		Blacklist: auth.NewMemoryBlacklist(5, 15*time.Minute, clock),
		WebAuthn:  wa,
		Clock:     clock,
	})

	loader := vault.NewLoader(v, store)
	batchExec := batch.NewExecutor(batch.Config{
		Store:       store,
		Credentials: loader,
		Dialer:      unreachableDialer{},
		Events:      broker,
	})
	transferEng := transfer.NewEngine(transfer.Config{
		Store:       storage.NewTransferStore(),
		Connections: store,
		Credentials: loader,
		Dialer:      unreachableDialer{},
		Events:      broker,
	})

	srv := NewServer(Config{
		Auth:      authSvc,
		Sessions:  sessions,
		Store:     store,
		Vault:     v,
		Batch:     batchExec,
		Transfers: transferEng,
	})

	return &fixture{
		handler:   srv.Handler(),
		server:    srv,
		store:     store,
		sessions:  sessions,
		vault:     v,
		batch:     batchExec,
		transfers: transferEng,
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

// do performs one request against the router. body may be nil, a raw
// string, or any JSON-marshalable value.
func (f *fixture) do(t *testing.T, method, target, cookie string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: cookie})
	}

	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

// cookieValue extracts the session cookie set by a response, or "". A
// later Set-Cookie for the same name replaces an earlier one, so the
// last match is the value a real client would hold.
func cookieValue(rr *httptest.ResponseRecorder) string {
	var value string
	for _, c := range rr.Result().Cookies() {
		if c.Name == sessionCookie {
			value = c.Value
		}
	}
	return value
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body: %s", rr.Body.String())
	return out
}

// login authenticates as the given user and returns the session cookie.
func (f *fixture) login(t *testing.T, username, password string) string {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	require.Equal(t, http.StatusOK, rr.Code, "login failed: %s", rr.Body.String())
	cookie := cookieValue(rr)
	require.NotEmpty(t, cookie)
	return cookie
}

func (f *fixture) createConnection(t *testing.T, cookie, name string) string {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/connections", cookie, map[string]any{
		"name":       name,
		"host":       "198.51.100.10",
		"port":       22,
		"username":   "root",
		"authMethod": "password",
		"password":   "swordfish",
	})
	require.Equal(t, http.StatusCreated, rr.Code, "create connection: %s", rr.Body.String())
	out := decode[struct {
		Connection types.Connection `json:"connection"`
	}](t, rr)
	require.NotEmpty(t, out.Connection.ID)
	return out.Connection.ID
}

func TestSessionFixationDefense(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")

	// An anonymous hit issues the pre-login cookie.
	rr := f.do(t, http.MethodGet, "/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	s0 := cookieValue(rr)
	require.NotEmpty(t, s0)

	// Login answers with a different identifier.
	rr = f.do(t, http.MethodPost, "/auth/login", s0, map[string]string{
		"username": "alice",
		"password": "hunter2!",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	s1 := cookieValue(rr)
	require.NotEmpty(t, s1)
	assert.NotEqual(t, s0, s1)

	// The pre-login identifier no longer authenticates anything.
	rr = f.do(t, http.MethodGet, "/auth/me", s0, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodGet, "/auth/me", s1, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	me := decode[struct {
		User struct {
			Username string `json:"username"`
		} `json:"user"`
	}](t, rr)
	assert.Equal(t, "alice", me.User.Username)
}

func TestLoginFailureEnvelope(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")

	rr := f.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "alice",
		"password": "nope",
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	body := decode[errEnvelope](t, rr)
	assert.Equal(t, "invalid credentials", body.Error)
	assert.Equal(t, string(errdefs.KindInvalidCredentials), body.Kind)

	// Password hashes never leak through the envelope.
	assert.NotContains(t, rr.Body.String(), "bcrypt")
}

func TestTwoFactorFlow(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "bob", "hunter2!", testTOTPSecret)

	rr := f.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "bob",
		"password": "hunter2!",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	s1 := cookieValue(rr)
	require.NotEmpty(t, s1)

	step := decode[struct {
		RequiresTwoFactor bool   `json:"requiresTwoFactor"`
		TempToken         string `json:"tempToken"`
	}](t, rr)
	assert.True(t, step.RequiresTwoFactor)
	require.Len(t, step.TempToken, 64)

	code, err := totp.GenerateCode(testTOTPSecret, f.clock.Now())
	require.NoError(t, err)

	// A wrong temp-token is rejected as a state violation.
	rr = f.do(t, http.MethodPost, "/auth/login/2fa", s1, map[string]string{
		"token":     code,
		"tempToken": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, string(errdefs.KindInvalidAuthState), decode[errEnvelope](t, rr).Kind)

	// The echoed temp-token completes authentication, rotating again.
	rr = f.do(t, http.MethodPost, "/auth/login/2fa", s1, map[string]string{
		"token":     code,
		"tempToken": step.TempToken,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	s2 := cookieValue(rr)
	require.NotEmpty(t, s2)
	assert.NotEqual(t, s1, s2)

	rr = f.do(t, http.MethodGet, "/auth/me", s2, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestProtectedRoutesRequireAuthentication(t *testing.T) {
	f := newFixture(t)

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/batch"},
		{http.MethodPost, "/batch"},
		{http.MethodGet, "/transfers/status"},
		{http.MethodGet, "/connections"},
		{http.MethodGet, "/auth/me"},
		{http.MethodPost, "/auth/2fa/setup"},
		{http.MethodPost, "/auth/passkey/registration-options"},
	} {
		rr := f.do(t, route.method, route.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, "%s %s", route.method, route.path)
		assert.Equal(t, string(errdefs.KindInvalidAuthState), decode[errEnvelope](t, rr).Kind)
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")
	cookie := f.login(t, "alice", "hunter2!")

	rr := f.do(t, http.MethodPost, "/auth/logout", cookie, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	var cleared bool
	for _, c := range rr.Result().Cookies() {
		if c.Name == sessionCookie && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "logout clears the cookie")

	rr = f.do(t, http.MethodGet, "/auth/me", cookie, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestTOTPEnrollmentOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")
	cookie := f.login(t, "alice", "hunter2!")

	rr := f.do(t, http.MethodPost, "/auth/2fa/setup", cookie, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	setup := decode[struct {
		Secret string `json:"secret"`
		URL    string `json:"url"`
	}](t, rr)
	require.NotEmpty(t, setup.Secret)
	assert.Contains(t, setup.URL, "otpauth://")

	code, err := totp.GenerateCode(setup.Secret, f.clock.Now())
	require.NoError(t, err)
	rr = f.do(t, http.MethodPost, "/auth/2fa/enable", cookie, map[string]string{"token": code})
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	// The next password login now demands the second factor.
	rr = f.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "alice",
		"password": "hunter2!",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	step := decode[struct {
		RequiresTwoFactor bool `json:"requiresTwoFactor"`
	}](t, rr)
	assert.True(t, step.RequiresTwoFactor)
}

func TestPasskeyEndpoints(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")
	cookie := f.login(t, "alice", "hunter2!")

	// Missing username is a validation error, not a guessing oracle.
	rr := f.do(t, http.MethodGet, "/auth/passkey/has-configured", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/auth/passkey/has-configured?username=alice", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[struct {
		Configured bool `json:"configured"`
	}](t, rr).Configured)

	rr = f.do(t, http.MethodPost, "/auth/passkey/registration-options", cookie, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), "publicKey")

	// A garbage ceremony response is rejected before it reaches the
	// verifier.
	rr = f.do(t, http.MethodPost, "/auth/passkey/register", cookie, "not-webauthn")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(errdefs.KindValidationError), decode[errEnvelope](t, rr).Kind)

	// Authentication options work without a body and without a session
	// history.
	rr = f.do(t, http.MethodPost, "/auth/passkey/authentication-options", "", map[string]string{"username": "alice"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), "challenge")

	rr = f.do(t, http.MethodPost, "/auth/passkey/authenticate", "", map[string]any{
		"assertionResponse": map[string]string{"id": "bogus"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/auth/passkeys", cookie, nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestConnectionCRUD(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")
	cookie := f.login(t, "alice", "hunter2!")

	rr := f.do(t, http.MethodPost, "/connections", cookie, map[string]any{
		"name":       "web-1",
		"host":       "198.51.100.10",
		"username":   "deploy",
		"authMethod": "password",
		"password":   "s3cr3t-pw",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.NotContains(t, rr.Body.String(), "s3cr3t-pw", "secrets never render")
	created := decode[struct {
		Connection types.Connection `json:"connection"`
	}](t, rr)
	assert.Equal(t, 22, created.Connection.Port, "port defaults to 22")

	// The stored column is ciphertext that round-trips through the vault.
	stored, err := f.store.GetConnection(context.Background(), created.Connection.ID)
	require.NoError(t, err)
	require.NotEmpty(t, stored.PasswordCiphertext)
	assert.NotEqual(t, "s3cr3t-pw", stored.PasswordCiphertext)
	plain, err := f.vault.DecryptString(stored.PasswordCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-pw", plain)

	// Update without a password keeps the stored secret.
	rr = f.do(t, http.MethodPut, "/connections/"+created.Connection.ID, cookie, map[string]any{
		"name":       "web-1",
		"host":       "198.51.100.11",
		"username":   "deploy",
		"authMethod": "password",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	stored, err = f.store.GetConnection(context.Background(), created.Connection.ID)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.11", stored.Host)
	plain, err = f.vault.DecryptString(stored.PasswordCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-pw", plain)

	rr = f.do(t, http.MethodGet, "/connections", cookie, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "s3cr3t-pw")

	rr = f.do(t, http.MethodDelete, "/connections/"+created.Connection.ID, cookie, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = f.do(t, http.MethodGet, "/connections/"+created.Connection.ID, cookie, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestConnectionValidation(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")
	cookie := f.login(t, "alice", "hunter2!")

	// Password auth without a password.
	rr := f.do(t, http.MethodPost, "/connections", cookie, map[string]any{
		"name":       "web-1",
		"host":       "198.51.100.10",
		"username":   "deploy",
		"authMethod": "password",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(errdefs.KindValidationError), decode[errEnvelope](t, rr).Kind)

	// Unknown auth method.
	rr = f.do(t, http.MethodPost, "/connections", cookie, map[string]any{
		"name":       "web-1",
		"host":       "198.51.100.10",
		"username":   "deploy",
		"authMethod": "kerberos",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestConnectionsAreScopedToOwner(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")
	f.createUser(t, "mallory", "evil-pass", "")

	aliceCookie := f.login(t, "alice", "hunter2!")
	connID := f.createConnection(t, aliceCookie, "web-1")

	malloryCookie := f.login(t, "mallory", "evil-pass")
	rr := f.do(t, http.MethodGet, "/connections/"+connID, malloryCookie, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code, "foreign connections look absent")

	rr = f.do(t, http.MethodGet, "/connections", malloryCookie, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), connID)
}

func TestBatchLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")
	cookie := f.login(t, "alice", "hunter2!")
	connID := f.createConnection(t, cookie, "web-1")

	// Rejections first: empty command, unknown connection.
	rr := f.do(t, http.MethodPost, "/batch", cookie, map[string]any{
		"command":       "",
		"connectionIds": []string{connID},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/batch", cookie, map[string]any{
		"command":       "uptime",
		"connectionIds": []string{"ghost"},
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodPost, "/batch", cookie, map[string]any{
		"command":       "uptime",
		"connectionIds": []string{connID},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	submitted := decode[struct {
		TaskID string          `json:"taskId"`
		Task   types.BatchTask `json:"task"`
	}](t, rr)
	require.NotEmpty(t, submitted.TaskID)
	assert.Equal(t, 1, submitted.Task.TotalSubTasks)

	// Every host is down in this fixture, so the task settles as failed.
	f.batch.Wait(submitted.TaskID)

	rr = f.do(t, http.MethodGet, "/batch/"+submitted.TaskID, cookie, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[struct {
		Task types.BatchTask `json:"task"`
	}](t, rr)
	assert.Equal(t, types.TaskStatusFailed, got.Task.Status)
	assert.Equal(t, 100, got.Task.Progress)
	assert.Equal(t, 1, got.Task.TaskCounts.Failed)

	// Finished tasks refuse cancellation but accept deletion.
	rr = f.do(t, http.MethodPost, "/batch/"+submitted.TaskID+"/cancel", cookie, map[string]string{"reason": "too slow"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodDelete, "/batch/"+submitted.TaskID, cookie, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(t, http.MethodGet, "/batch/"+submitted.TaskID, cookie, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBatchListOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")
	cookie := f.login(t, "alice", "hunter2!")
	connID := f.createConnection(t, cookie, "web-1")

	rr := f.do(t, http.MethodPost, "/batch", cookie, map[string]any{
		"command":       "uptime",
		"connectionIds": []string{connID},
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	taskID := decode[struct {
		TaskID string `json:"taskId"`
	}](t, rr).TaskID
	f.batch.Wait(taskID)

	rr = f.do(t, http.MethodGet, "/batch", cookie, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Tasks []types.BatchTask `json:"tasks"`
	}](t, rr)
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, taskID, list.Tasks[0].ID)
}

func TestTransferEndpointValidation(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")
	cookie := f.login(t, "alice", "hunter2!")

	rr := f.do(t, http.MethodPost, "/transfers/send", cookie, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(errdefs.KindValidationError), decode[errEnvelope](t, rr).Kind)

	rr = f.do(t, http.MethodPost, "/transfers/send", cookie, map[string]any{
		"sourceConnectionId": "ghost",
		"connectionIds":      []string{"also-ghost"},
		"sourceItems":        []map[string]string{{"name": "a.log", "path": "/var/log/a.log", "type": "file"}},
		"remoteTargetPath":   "/tmp",
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodGet, "/transfers/status", cookie, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Tasks []types.TransferTask `json:"tasks"`
	}](t, rr)
	assert.Empty(t, list.Tasks)

	rr = f.do(t, http.MethodGet, "/transfers/status/ghost", cookie, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodPost, "/transfers/cancel/ghost", cookie, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOriginAllowList(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")

	gated := NewServer(Config{
		Auth:           f.server.auth,
		Sessions:       f.sessions,
		Store:          f.store,
		Vault:          f.vault,
		Batch:          f.batch,
		Transfers:      f.transfers,
		AllowedOrigins: []string{"http://app.example"},
	}).Handler()

	send := func(origin, method string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/auth/passkey/has-configured?username=alice", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		rr := httptest.NewRecorder()
		gated.ServeHTTP(rr, req)
		return rr
	}

	// No Origin header (curl, same-origin) passes.
	assert.Equal(t, http.StatusOK, send("", http.MethodGet).Code)

	rr := send("http://evil.example", http.MethodGet)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, string(errdefs.KindForbidden), decode[errEnvelope](t, rr).Kind)

	rr = send("http://app.example", http.MethodGet)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "http://app.example", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))

	rr = send("http://app.example", http.MethodOptions)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Access-Control-Allow-Methods"))
}

func TestProbeEndpoints(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, cookieValue(rr), "probes never allocate sessions")

	rr = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "nexus_")
}

func TestStatusForKind(t *testing.T) {
	cases := map[errdefs.Kind]int{
		errdefs.KindInvalidCredentials:  http.StatusUnauthorized,
		errdefs.KindInvalidAuthState:    http.StatusUnauthorized,
		errdefs.KindCounterRegression:   http.StatusUnauthorized,
		errdefs.KindChallengeExpired:    http.StatusBadRequest,
		errdefs.KindCaptchaFailed:       http.StatusBadRequest,
		errdefs.KindValidationError:     http.StatusBadRequest,
		errdefs.KindRateLimited:         http.StatusTooManyRequests,
		errdefs.KindNotFound:            http.StatusNotFound,
		errdefs.KindForbidden:           http.StatusForbidden,
		errdefs.KindMissingTool:         http.StatusUnprocessableEntity,
		errdefs.KindUnreachable:         http.StatusBadGateway,
		errdefs.KindAuthFailed:          http.StatusBadGateway,
		errdefs.KindProtocol:            http.StatusBadGateway,
		errdefs.KindTimeout:             http.StatusGatewayTimeout,
		errdefs.KindCredentialCorrupted: http.StatusInternalServerError,
		errdefs.KindInternal:            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusForKind(kind), string(kind))
	}
}

func TestAuthErrorCollapse(t *testing.T) {
	s := NewServer(Config{})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)

	// Credential-class kinds all render as the same answer.
	for _, err := range []error{
		errdefs.E(errdefs.KindCaptchaFailed, "captcha verification failed"),
		errdefs.E(errdefs.KindCounterRegression, "authenticator rejected"),
		errdefs.E(errdefs.KindNotFound, "user not found: alice"),
		errdefs.E(errdefs.KindInvalidCredentials, "invalid credentials"),
	} {
		rr := httptest.NewRecorder()
		s.respondAuthError(rr, req, err)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		var body errEnvelope
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "invalid credentials", body.Error)
		assert.Equal(t, string(errdefs.KindInvalidCredentials), body.Kind)
	}

	// Recoverable kinds keep their identity.
	rr := httptest.NewRecorder()
	s.respondAuthError(rr, req, errdefs.E(errdefs.KindChallengeExpired, "challenge expired, request new options"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), string(errdefs.KindChallengeExpired))

	rr = httptest.NewRecorder()
	s.respondAuthError(rr, req, errdefs.E(errdefs.KindRateLimited, "too many failed attempts, try again later"))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestSevereErrorsHideDetail(t *testing.T) {
	s := NewServer(Config{})
	req := httptest.NewRequest(http.MethodGet, "/batch", nil)

	rr := httptest.NewRecorder()
	s.respondError(rr, req, errdefs.E(errdefs.KindInternal, "gorm: connection pool exhausted at %s", "tasks.go:42"))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "gorm")
	assert.Contains(t, rr.Body.String(), "internal server error")

	rr = httptest.NewRecorder()
	s.respondError(rr, req, errdefs.E(errdefs.KindCredentialCorrupted, "credential decryption failed: cipher: message authentication failed"))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "cipher")
}

func TestMalformedBodyRejected(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")

	rr := f.do(t, http.MethodPost, "/auth/login", "", "{not json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(errdefs.KindValidationError), decode[errEnvelope](t, rr).Kind)
}

func TestTamperedCookieFallsBackToAnonymous(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "hunter2!", "")
	cookie := f.login(t, "alice", "hunter2!")

	tampered := cookie + "x"
	rr := f.do(t, http.MethodGet, "/auth/me", tampered, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotEmpty(t, cookieValue(rr), "a fresh anonymous session is issued")
	assert.NotEqual(t, cookie, cookieValue(rr))
}
