/*
Package config loads and validates the Nexus process configuration.

Configuration merges three layers through viper: built-in defaults, an
optional YAML file, and NEXUS_-prefixed environment variables, with the
environment winning. Validation runs at load time so a misconfigured
process refuses to start instead of failing later mid-request.

# Architecture

	┌──────────────────── CONFIG PIPELINE ─────────────────────┐
	│                                                          │
	│   defaults  ──►  config file (optional)  ──►  NEXUS_*    │
	│                                               env vars   │
	│                        │                                 │
	│                        ▼                                 │
	│                viper.Unmarshal(Config)                   │
	│                        │                                 │
	│                        ▼                                 │
	│          Validate (validator tags, fail fast)            │
	└──────────────────────────────────────────────────────────┘

# Configuration Sections

Config groups settings by subsystem, each bound to a YAML block and an
environment prefix:

  - logging: level (debug/info/warn/error), json
  - server: host, port, allowed_origins, shutdown_timeout
  - database: path (SQLite file)
  - session: secret, path, ttl, remember_me_ttl, cleanup_interval
  - master_key: vault key, hex-encoded 32 bytes
  - auth: captcha_enabled, max_failed_attempts, block_duration
  - webauthn: rp_id, rp_origin, rp_display_name
  - batch: default_concurrency, default_timeout

# Defaults

A process with nothing but the two secrets set comes up listening on
0.0.0.0:8080 with:

  - logging: info, JSON output
  - database.path: nexus.db
  - session: nexus-sessions.db, 24h TTL, 30d remember-me, 10m sweeps
  - auth: CAPTCHA off, block after 5 failures for 15m
  - webauthn: localhost relying party for development
  - batch: concurrency 5, timeout 5m
  - server.shutdown_timeout: 30s

The session secret and master key deliberately have no usable
defaults; validation rejects their absence.

# Environment Variables

Every key is reachable as NEXUS_ plus the path with dots replaced by
underscores:

	NEXUS_LOGGING_LEVEL=debug
	NEXUS_SERVER_PORT=9090
	NEXUS_SESSION_TTL=48h
	NEXUS_WEBAUTHN_RP_ID=nexus.example.com

The two secrets are also accepted unprefixed, which suits secret
managers that dictate variable names:

	NEXUS_SESSION_SECRET or SESSION_SECRET
	NEXUS_MASTER_KEY     or MASTER_KEY

# Usage

Loading at Startup:

	import "github.com/nexushq/nexus/pkg/config"

	cfg, err := config.Load(configPath) // "" skips the file layer
	if err != nil {
		return err // names the first invalid field
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSON,
	})

Derived Values:

	addr := cfg.Server.ListenAddr()   // "0.0.0.0:8080"
	origins := cfg.Server.Origins()   // split, trimmed allow list

Example config file:

	logging:
	  level: info
	  json: true
	server:
	  host: 0.0.0.0
	  port: 8080
	  allowed_origins: "https://nexus.example.com"
	session:
	  ttl: 24h
	  remember_me_ttl: 720h
	webauthn:
	  rp_id: nexus.example.com
	  rp_origin: https://nexus.example.com

# Validation

Validate runs validator struct tags over the whole tree and reports
the first failure as

	configuration validation failed: field Session.Secret is invalid (required)

ValidateMasterKey additionally enforces that the master key decodes
from hex to exactly 32 bytes. Both run inside Load; cmd/nexus treats
any error as fatal before any component starts.

# Integration Points

This package integrates with:

  - cmd/nexus: loads config before constructing anything
  - pkg/log: logging section
  - pkg/session: session section (secret, TTLs, sweep interval)
  - pkg/vault: master key
  - pkg/auth: CAPTCHA and blacklist settings, WebAuthn relying party
  - pkg/api: listen address and origin allow list
  - pkg/batch: default concurrency and timeout

# Design Patterns

Fail Fast:
  - Everything is checked at Load; no lazy validation downstream
  - Components receive typed, already-valid values

Defaults for Everything but Secrets:
  - Development needs only two environment variables
  - Secrets have no defaults precisely so they cannot ship as ones

# Troubleshooting

Startup Fails Naming a Field:
  - Symptom: "configuration validation failed: field X is invalid"
  - Cause: Missing secret or out-of-range value
  - Solution: The field path maps directly to the YAML/env key

Env Var Seems Ignored:
  - Symptom: NEXUS_-variable set but the default still applies
  - Cause: Misspelled path (dots become underscores, one prefix)
  - Check: NEXUS_SESSION_TTL, not NEXUS_SESSION.TTL or SESSION_TTL

Durations Rejected:
  - Symptom: ttl or timeout values fail to parse
  - Cause: Plain numbers instead of Go duration strings
  - Solution: Use "24h", "5m", "30s" forms

# See Also

  - cmd/nexus for how configuration reaches the components
  - pkg/vault for master key requirements
  - viper: https://github.com/spf13/viper
*/
package config
