package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/types"
)

// Vault handles encryption and decryption of stored secrets using
// AES-256-GCM. The master key is held in memory only.
type Vault struct {
	masterKey []byte // 32 bytes for AES-256
}

// New creates a vault with the given master key.
// The key must be 32 bytes for AES-256-GCM.
func New(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes for AES-256, got %d", len(key))
	}

	return &Vault{
		masterKey: key,
	}, nil
}

// NewFromHex creates a vault from a hex-encoded master key, as sourced from
// the process environment.
func NewFromHex(hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	return New(key)
}

// Encrypt encrypts plaintext using AES-256-GCM.
// Returns encrypted data with nonce prepended.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	// Create AES cipher
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Create GCM mode
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	// Generate nonce
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Encrypt and prepend nonce
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt decrypts data encrypted with Encrypt. Expects the nonce to be
// prepended to the ciphertext. Any failure is reported as
// CredentialCorrupted without detail; the error never says which byte
// failed or anything about the key.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errdefs.E(errdefs.KindCredentialCorrupted, "credential decryption failed")
	}

	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errdefs.E(errdefs.KindCredentialCorrupted, "credential decryption failed")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errdefs.E(errdefs.KindCredentialCorrupted, "credential decryption failed")
	}

	return plaintext, nil
}

// EncryptString encrypts a string secret and returns it base64-encoded for
// storage in a text column. The empty string encrypts to the empty string so
// optional fields round-trip cleanly.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	ciphertext, err := v.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptString reverses EncryptString.
func (v *Vault) DecryptString(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errdefs.E(errdefs.KindCredentialCorrupted, "credential decryption failed")
	}

	plaintext, err := v.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Credentials is the transient decrypted form of a connection's secrets.
// Never logged, never persisted; discard when the operation completes.
type Credentials struct {
	Username   string
	Password   string
	PrivateKey string
	Passphrase string
}

// ConnectionGetter fetches connection records for Load.
type ConnectionGetter interface {
	GetConnection(ctx context.Context, id string) (*types.Connection, error)
}

// Loader resolves a connection id to its record plus decrypted credentials.
type Loader struct {
	vault *Vault
	conns ConnectionGetter
}

// NewLoader creates a credential loader over the given vault and store.
func NewLoader(v *Vault, conns ConnectionGetter) *Loader {
	return &Loader{vault: v, conns: conns}
}

// Load fetches the connection record, decrypts the fields its auth method
// requires, and returns both. Decryption failures surface as
// CredentialCorrupted.
func (l *Loader) Load(ctx context.Context, connectionID string) (*types.Connection, *Credentials, error) {
	conn, err := l.conns.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, nil, err
	}

	creds := &Credentials{Username: conn.Username}

	switch conn.AuthMethod {
	case types.AuthMethodPassword:
		creds.Password, err = l.vault.DecryptString(conn.PasswordCiphertext)
		if err != nil {
			return nil, nil, err
		}
		if creds.Password == "" {
			return nil, nil, errdefs.E(errdefs.KindCredentialCorrupted, "connection %s has no stored password", conn.ID)
		}
	case types.AuthMethodKey:
		creds.PrivateKey, err = l.vault.DecryptString(conn.PrivateKeyCiphertext)
		if err != nil {
			return nil, nil, err
		}
		if creds.PrivateKey == "" {
			return nil, nil, errdefs.E(errdefs.KindCredentialCorrupted, "connection %s has no stored private key", conn.ID)
		}
		creds.Passphrase, err = l.vault.DecryptString(conn.PassphraseCiphertext)
		if err != nil {
			return nil, nil, err
		}
	case types.AuthMethodNone:
		// Nothing to decrypt.
	default:
		return nil, nil, errdefs.E(errdefs.KindValidationError, "unknown auth method %q", conn.AuthMethod)
	}

	return conn, creds, nil
}
