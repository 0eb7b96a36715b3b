package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/types"
)

var validate = validator.New()

// connectionRequest carries a connection create or update. Secret fields
// arrive in plaintext over the (TLS) transport and are encrypted before
// they touch the database; on update, an empty secret keeps the stored
// ciphertext.
type connectionRequest struct {
	Name       string `json:"name" validate:"required"`
	Host       string `json:"host" validate:"required"`
	Port       int    `json:"port" validate:"gte=0,lte=65535"`
	Username   string `json:"username" validate:"required"`
	AuthMethod string `json:"authMethod" validate:"required,oneof=none password key"`
	Password   string `json:"password" validate:"required_if=AuthMethod password"`
	PrivateKey string `json:"privateKey" validate:"required_if=AuthMethod key"`
	Passphrase string `json:"passphrase"`
	ProxyID    string `json:"proxyId"`
}

// applySecrets encrypts the provided secret material onto conn. Fields
// left empty are not touched.
func (s *Server) applySecrets(req connectionRequest, conn *types.Connection) error {
	fields := []struct {
		plain string
		dst   *string
	}{
		{req.Password, &conn.PasswordCiphertext},
		{req.PrivateKey, &conn.PrivateKeyCiphertext},
		{req.Passphrase, &conn.PassphraseCiphertext},
	}
	for _, f := range fields {
		if f.plain == "" {
			continue
		}
		ct, err := s.vault.EncryptString(f.plain)
		if err != nil {
			return err
		}
		*f.dst = ct
	}
	return nil
}

func (s *Server) handleConnectionCreate(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := validate.Struct(req); err != nil {
		s.respondError(w, r, errdefs.E(errdefs.KindValidationError, "invalid connection: %v", err))
		return
	}
	if req.Port == 0 {
		req.Port = 22
	}

	sess := sessionFrom(r.Context())
	conn := &types.Connection{
		UserID:     sess.UserID,
		Name:       req.Name,
		Host:       req.Host,
		Port:       req.Port,
		Username:   req.Username,
		AuthMethod: types.AuthMethod(req.AuthMethod),
		ProxyID:    req.ProxyID,
	}
	if err := s.applySecrets(req, conn); err != nil {
		s.respondError(w, r, err)
		return
	}

	id, err := s.store.CreateConnection(r.Context(), conn)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	conn.ID = id
	writeJSON(w, http.StatusCreated, map[string]any{"connection": conn})
}

func (s *Server) handleConnectionList(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	conns, err := s.store.ListConnections(r.Context(), sess.UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

// ownedConnection loads a connection and checks it belongs to the session
// user. Foreign connections are reported as absent, not forbidden.
func (s *Server) ownedConnection(r *http.Request) (*types.Connection, error) {
	id := chi.URLParam(r, "connectionID")
	conn, err := s.store.GetConnection(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if conn.UserID != sessionFrom(r.Context()).UserID {
		return nil, errdefs.E(errdefs.KindNotFound, "connection not found: %s", id)
	}
	return conn, nil
}

func (s *Server) handleConnectionGet(w http.ResponseWriter, r *http.Request) {
	conn, err := s.ownedConnection(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection": conn})
}

func (s *Server) handleConnectionUpdate(w http.ResponseWriter, r *http.Request) {
	conn, err := s.ownedConnection(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var req connectionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := validate.StructExcept(req, "Password", "PrivateKey"); err != nil {
		s.respondError(w, r, errdefs.E(errdefs.KindValidationError, "invalid connection: %v", err))
		return
	}
	if req.Port == 0 {
		req.Port = 22
	}

	conn.Name = req.Name
	conn.Host = req.Host
	conn.Port = req.Port
	conn.Username = req.Username
	conn.AuthMethod = types.AuthMethod(req.AuthMethod)
	conn.ProxyID = req.ProxyID
	if err := s.applySecrets(req, conn); err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.store.UpdateConnection(r.Context(), conn); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection": conn})
}

func (s *Server) handleConnectionDelete(w http.ResponseWriter, r *http.Request) {
	conn, err := s.ownedConnection(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.store.DeleteConnection(r.Context(), conn.ID); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
