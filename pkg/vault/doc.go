/*
Package vault encrypts and decrypts the secrets stored on connection records.

The vault wraps AES-256-GCM under a single 32-byte master key sourced from the
process environment at startup. Ciphertexts carry their nonce as a prefix and
are base64-encoded for storage in text columns. Decrypted credentials exist
only in memory and only for the duration of the operation that needed them.

# Architecture

	┌──────────────────── CREDENTIAL VAULT ────────────────────┐
	│                                                          │
	│  ┌────────────────────────────────────────────┐          │
	│  │             Master Key                     │          │
	│  │  - 32 bytes, hex in NEXUS_MASTER_KEY       │          │
	│  │  - absence is fatal at startup             │          │
	│  │  - held in memory, never logged            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            AES-256-GCM                     │          │
	│  │  Encrypt: nonce ‖ seal(plaintext)          │          │
	│  │  Decrypt: split nonce, open, or fail as    │          │
	│  │           CredentialCorrupted (no detail)  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Loader                        │          │
	│  │  Load(id) → Connection + Credentials       │          │
	│  │  - password auth: decrypt password         │          │
	│  │  - key auth: decrypt key (+ passphrase)    │          │
	│  └────────────────────────────────────────────┘          │
	└──────────────────────────────────────────────────────────┘

# Core Components

Vault:
  - Holds the AEAD constructed from the master key
  - Encrypt/Decrypt work on raw bytes
  - EncryptString/DecryptString add base64 for text columns
  - Stateless after construction; safe for concurrent use

Credentials:
  - Transient decrypted form of a connection's secrets
  - Username, Password, PrivateKey, Passphrase
  - Never persisted, never logged; discarded after use

Loader:
  - Resolves a connection id to its record plus decrypted credentials
  - Decrypts only the fields the connection's auth method requires
  - The one place decryption happens on the execution path

ConnectionGetter:
  - Minimal read interface the Loader needs from storage
  - Satisfied by the gorm-backed store

# Ciphertext Format

	base64( nonce(12 bytes) ‖ GCM-seal(plaintext) )

Properties:
  - Nonce is random per encryption; equal plaintexts produce
    different ciphertexts
  - GCM authenticates; any bit flip fails decryption outright
  - Overhead: 12-byte nonce + 16-byte tag, then base64 (~4/3)

The empty string is a special case: it encrypts to "" and decrypts from "",
so optional secrets (key passphrases) need no sentinel handling.

# Usage

Constructing from the Environment:

	import "github.com/nexushq/nexus/pkg/vault"

	v, err := vault.NewFromHex(os.Getenv("NEXUS_MASTER_KEY"))
	if err != nil {
		return err
	}

Encrypting on Write:

	ciphertext, err := v.EncryptString(req.Password)
	if err != nil {
		return err
	}
	conn.PasswordCiphertext = ciphertext

Loading Credentials for Execution:

	loader := vault.NewLoader(v, store)
	conn, creds, err := loader.Load(ctx, connectionID)
	if err != nil {
		return err
	}

Complete Example:

	package main

	import (
		"fmt"
		"os"

		"github.com/nexushq/nexus/pkg/vault"
	)

	func main() {
		v, err := vault.NewFromHex(os.Getenv("NEXUS_MASTER_KEY"))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		sealed, err := v.EncryptString("hunter2")
		if err != nil {
			panic(err)
		}
		fmt.Println("stored form:", sealed)

		plain, err := v.DecryptString(sealed)
		if err != nil {
			panic(err)
		}
		fmt.Println("recovered:", plain)
	}

Generating a master key:

	openssl rand -hex 32

# Integration Points

This package integrates with:

  - cmd/nexus: constructs the Vault from config at startup
  - pkg/api: encrypts secrets when connections are created or updated
  - pkg/batch: loads credentials per target before dispatch
  - pkg/transfer: loads source and target credentials for copies
  - pkg/sshutils: consumes Credentials to build SSH auth methods
  - pkg/errdefs: decryption failures surface as KindCredentialCorrupted

# Security Considerations

Key Handling:
  - The master key enters through NEXUS_MASTER_KEY (hex, 64 chars)
  - New rejects keys that are not exactly 32 bytes
  - The key is never written to logs, errors, or the database

Failure Opacity:
  - Every decryption failure maps to the same error: "credential
    decryption failed" with kind CredentialCorrupted
  - Callers cannot distinguish wrong key, truncated ciphertext, or
    tampering, and neither can API clients
  - CredentialCorrupted is a severe kind: handlers log the cause
    server-side and return a generic message

Blast Radius:
  - One process-wide key; rotating it requires re-encrypting all
    connection secrets
  - Losing the key orphans every stored credential (no recovery path)

Memory:
  - Decrypted credentials live in ordinary Go memory until collected
  - Treat core dumps of a live process as credential-bearing

# Design Patterns

Encrypt at the Edge, Decrypt at the Core:
  - API handlers encrypt immediately on intake
  - Only the Loader decrypts, immediately before an SSH dial
  - Everything between stores and moves opaque ciphertext

Method-Scoped Decryption:
  - Password auth decrypts the password only
  - Key auth decrypts the private key and passphrase only
  - AuthMethodNone decrypts nothing

Fail Closed:
  - Empty plaintext after successful decryption of a required field is
    still an error ("connection %s has no stored password")
  - Unknown auth methods are rejected as validation errors

# Performance Characteristics

  - EncryptString/DecryptString: microseconds for credential-sized
    inputs (AES-NI assumed)
  - Load: dominated by the storage read, not the crypto
  - No pooling or caching; every call is independent

# Troubleshooting

Startup Fails With "master key":
  - Symptom: Process exits before listening
  - Cause: NEXUS_MASTER_KEY unset, not hex, or not 64 hex chars
  - Solution: Generate with openssl rand -hex 32 and export it

All Connections Fail With CredentialCorrupted:
  - Symptom: Every execution reports credential decryption failed
  - Cause: Master key changed since the secrets were stored
  - Check: Deployment history for the environment variable
  - Solution: Restore the original key, or re-enter credentials

One Connection Fails With CredentialCorrupted:
  - Symptom: A single connection cannot be used
  - Cause: Damaged ciphertext row, or the secret was stored empty
  - Solution: Update the connection with fresh credentials

# Limitations

Current Limitations:
  - Single static master key (no rotation, no key versioning)
  - No external KMS/HSM integration
  - No re-encryption tooling

Workarounds:
  - Rotation: re-enter credentials after switching keys
  - KMS: inject the hex key from the secret manager of the platform

# Best Practices

Do:
  - Source the key from a secret manager, not shell history
  - Re-enter credentials rather than copying ciphertext between
    installations with different keys
  - Keep Credentials values short-lived and function-local

Don't:
  - Log Credentials fields or ciphertext alongside user data
  - Persist decrypted secrets anywhere, including temp files
  - Reuse the master key across environments

# See Also

  - pkg/sshutils for how Credentials become SSH auth methods
  - pkg/storage for the ciphertext columns on connection records
  - pkg/errdefs for the CredentialCorrupted severity rules
  - AES-GCM: https://pkg.go.dev/crypto/cipher#NewGCM
*/
package vault
