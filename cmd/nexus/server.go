package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/spf13/cobra"

	"github.com/nexushq/nexus/pkg/api"
	"github.com/nexushq/nexus/pkg/auth"
	"github.com/nexushq/nexus/pkg/batch"
	"github.com/nexushq/nexus/pkg/config"
	"github.com/nexushq/nexus/pkg/events"
	"github.com/nexushq/nexus/pkg/log"
	"github.com/nexushq/nexus/pkg/metrics"
	"github.com/nexushq/nexus/pkg/session"
	"github.com/nexushq/nexus/pkg/sshutils"
	"github.com/nexushq/nexus/pkg/storage"
	"github.com/nexushq/nexus/pkg/transfer"
	"github.com/nexushq/nexus/pkg/vault"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Nexus control plane",
	Long: `Run the Nexus control plane until interrupted.

Configuration comes from NEXUS_* environment variables and an optional
YAML file. The session secret and the 32-byte hex master key are
required; the process refuses to start without them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServer(configPath)
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML config file (optional)")
}

func runServer(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %v", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSON,
	})
	metrics.SetVersion(Version)

	v, err := vault.NewFromHex(cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("failed to initialize vault: %v", err)
	}

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer store.Close()
	metrics.RegisterComponent("storage", true, "connected")
	fmt.Println("✓ Database opened")

	sessions, err := session.NewManager(session.Config{
		Path:            cfg.Session.Path,
		Secret:          cfg.Session.Secret,
		TTL:             cfg.Session.TTL,
		RememberMeTTL:   cfg.Session.RememberMeTTL,
		CleanupInterval: cfg.Session.CleanupInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to open session store: %v", err)
	}
	defer sessions.Close()
	sessions.StartJanitor()
	metrics.RegisterComponent("sessions", true, "open")
	fmt.Println("✓ Session store opened")

	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPID:          cfg.WebAuthn.RPID,
		RPOrigins:     []string{cfg.WebAuthn.RPOrigin},
	})
	if err != nil {
		return fmt.Errorf("failed to configure WebAuthn: %v", err)
	}

	broker := events.NewBroker()
	broker.Subscribe(metrics.ObserveEvent)

	auditLog := log.WithComponent("audit")
	broker.Subscribe(func(ev *events.Event) {
		entry := auditLog.Info().Str("type", string(ev.Type))
		for k, val := range ev.Metadata {
			entry = entry.Str(k, val)
		}
		entry.Msg(ev.Message)
	})

	authSvc := auth.NewService(auth.Config{
		Store:          store,
		Sessions:       sessions,
		Vault:          v,
		Events:         broker,
		Blacklist:      auth.NewMemoryBlacklist(cfg.Auth.MaxFailedAttempts, cfg.Auth.BlockDuration, nil),
		WebAuthn:       wa,
		CaptchaEnabled: cfg.Auth.CaptchaEnabled,
	})

	loader := vault.NewLoader(v, store)
	dialer := sshutils.NewDialer(sshutils.Config{Credentials: loader})

	executor := batch.NewExecutor(batch.Config{
		Store:              store,
		Credentials:        loader,
		Dialer:             dialer,
		Events:             broker,
		DefaultConcurrency: cfg.Batch.DefaultConcurrency,
		DefaultTimeout:     cfg.Batch.DefaultTimeout,
	})
	if err := executor.RecoverInterrupted(context.Background()); err != nil {
		return fmt.Errorf("failed to recover interrupted tasks: %v", err)
	}
	fmt.Println("✓ Batch executor ready")

	transferStore := storage.NewTransferStore()
	transfers := transfer.NewEngine(transfer.Config{
		Store:       transferStore,
		Connections: store,
		Credentials: loader,
		Dialer:      dialer,
		Events:      broker,
	})

	collector := metrics.NewCollector(store, transferStore, sessions)
	collector.Start()
	defer collector.Stop()

	apiServer := api.NewServer(api.Config{
		Auth:           authSvc,
		Sessions:       sessions,
		Store:          store,
		Vault:          v,
		Batch:          executor,
		Transfers:      transfers,
		AllowedOrigins: cfg.Server.Origins(),
	})

	// Start API server in background
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(cfg.Server.ListenAddr()); err != nil {
			errCh <- fmt.Errorf("API server error: %v", err)
		}
	}()

	metrics.RegisterComponent("api", true, "listening")
	fmt.Printf("✓ API listening on %s\n", cfg.Server.ListenAddr())
	fmt.Println()
	fmt.Println("Nexus is running. Press Ctrl+C to stop.")

	// Wait for interrupt signal or API server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown: %v", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}
