// igloo-server is a remote signing broker for Nostr: clients connect over
// NIP-46 while the signing key stays behind a per-session policy engine and
// an operator approval queue. It runs as a single binary with SQLite by
// default, requiring no external database for self-hosted deployments.
//
// Usage:
//
//	export ADMIN_SECRET=<one-time onboarding secret>
//	export RELAYS=wss://relay.damus.io,wss://relay.primal.net
//	./igloo-server
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nbd-wtf/go-nostr"

	"github.com/frostr-org/igloo-server/internal/auth"
	"github.com/frostr-org/igloo-server/internal/broker"
	"github.com/frostr-org/igloo-server/internal/config"
	"github.com/frostr-org/igloo-server/internal/db"
	"github.com/frostr-org/igloo-server/internal/identity"
	"github.com/frostr-org/igloo-server/internal/queue"
	"github.com/frostr-org/igloo-server/internal/server"
	"github.com/frostr-org/igloo-server/internal/session"
	"github.com/frostr-org/igloo-server/internal/transport"
)

func main() {
	// Structured JSON logging by default — easy to parse with any log aggregator.
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting igloo-server", "version", "1.0.0")

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("config loaded",
		"port", cfg.Port,
		"database", cfg.DatabaseURL,
		"relays", len(cfg.Relays),
		"auth", cfg.AuthEnabled,
		"headless", cfg.Headless,
	)

	// ─── Database ─────────────────────────────────────────────────────────────
	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── Broker user ──────────────────────────────────────────────────────────
	// Single-operator deployment: all broker state belongs to the first admin.
	// Before onboarding the state is keyed to the id the admin will get.
	userID := int64(1)
	if admin, ok := store.FirstAdmin(); ok {
		userID = admin.ID
	} else if cfg.AuthEnabled && cfg.AdminSecret == "" {
		slog.Error("no admin account exists and ADMIN_SECRET is not set; set ADMIN_SECRET to enable onboarding")
		os.Exit(1)
	}

	// ─── Transport key (auto-generated if missing) ────────────────────────────
	transportKey, ok := store.GetTransportKey(userID)
	if !ok {
		transportKey = nostr.GeneratePrivateKey()
		if err := store.SetTransportKey(userID, transportKey); err != nil {
			slog.Error("failed to persist transport key", "error", err)
			os.Exit(1)
		}
		slog.Info("transport key generated")
	}

	// ─── Identity signer ──────────────────────────────────────────────────────
	adapter := identity.NewAdapter(cfg.IdentityTimeout)
	if sec := os.Getenv("SIGNER_SECRET"); sec != "" {
		// Headless deployments can bind the signer directly from the
		// environment instead of unsealing a stored credential at login.
		signer, err := identity.NewLocalSigner(sec)
		if err != nil {
			slog.Error("invalid SIGNER_SECRET", "error", err)
			os.Exit(1)
		}
		adapter.Bind(signer)
		slog.Info("signer bound from environment")
	}

	// ─── Session store and request queue ──────────────────────────────────────
	sessions := session.NewStore(userID, store)
	sessionRelays, err := sessions.Load()
	if err != nil {
		slog.Error("failed to load sessions", "error", err)
		os.Exit(1)
	}

	q := queue.New(userID, store, cfg.RequestTTL, cfg.QueueLimit)
	if err := q.Load(); err != nil {
		slog.Error("failed to load pending requests", "error", err)
		os.Exit(1)
	}

	// ─── Broker ───────────────────────────────────────────────────────────────
	bk, err := broker.New(transportKey, sessions, q, adapter, broker.Options{
		Workers: cfg.IdentityWorkers,
	})
	if err != nil {
		slog.Error("failed to create broker", "error", err)
		os.Exit(1)
	}
	q.OnExpire(bk.HandleExpired)

	events := server.NewEventBroadcaster()
	bk.SetEvents(events.Broadcast)

	// ─── Relay pool ───────────────────────────────────────────────────────────
	pool := transport.New(bk.Pubkey(), bk.HandleEnvelope, cfg.MaxRelays, cfg.PublishTimeout)
	pool.OnChange(func(urls []string) {
		b, _ := json.Marshal(urls)
		if err := store.SetKV("relays", string(b)); err != nil {
			slog.Warn("failed to persist relay list", "error", err)
		}
	})
	bk.SetTransport(pool)

	relays := append([]string{}, cfg.Relays...)
	if saved, ok := store.GetKV("relays"); ok {
		var urls []string
		if err := json.Unmarshal([]byte(saved), &urls); err == nil {
			relays = append(relays, urls...)
		}
	}
	relays = append(relays, sessionRelays...)

	// ─── Auth gateway ─────────────────────────────────────────────────────────
	gateway := auth.NewGateway(store, store, auth.Options{
		Enabled:         cfg.AuthEnabled,
		APIKey:          cfg.APIKey,
		AdminSecret:     cfg.AdminSecret,
		RateLimitWindow: cfg.RateLimitWindow,
		RateLimitMax:    cfg.RateLimitMax,
		IdleTimeout:     cfg.SessionIdleTimeout,
		AbsoluteTimeout: cfg.SessionAbsoluteTimeout,
	})
	if err := gateway.Tokens.Load(); err != nil {
		slog.Error("failed to load auth sessions", "error", err)
		os.Exit(1)
	}
	gateway.OnLogin = func(uid int64, unwrapKey []byte) {
		defer auth.Zero(unwrapKey)
		if adapter.Ready() {
			return
		}
		blob, ok := store.GetCredential(uid)
		if !ok {
			slog.Info("no signing credential stored yet", "user", uid)
			return
		}
		secret, err := identity.OpenCredential(unwrapKey, blob)
		if err != nil {
			slog.Warn("stored credential does not open with this login", "user", uid, "error", err)
			return
		}
		signer, err := identity.NewLocalSigner(secret)
		if err != nil {
			slog.Warn("stored credential is not a valid signing key", "user", uid)
			return
		}
		adapter.Bind(signer)
		slog.Info("signer unlocked", "user", uid)
	}
	gateway.OnLogout = func() {
		adapter.Unbind()
		slog.Info("signer locked: no live login sessions remain")
	}

	// ─── Graceful shutdown ────────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── Background loops ─────────────────────────────────────────────────────
	go q.Run(ctx)
	go gateway.Tokens.Run(ctx)
	pool.Start(ctx, relays)

	// ─── Start HTTP server ────────────────────────────────────────────────────
	srv := server.New(cfg, store, userID, gateway, bk, sessions, q, adapter, pool)
	srv.SetEventBroadcaster(events)
	if err := srv.Start(ctx); err != nil { // blocks until ctx is cancelled
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("igloo-server stopped")
}
