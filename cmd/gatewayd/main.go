package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-cloudcam/internal/api"
	"github.com/technosupport/ts-cloudcam/internal/auth"
	"github.com/technosupport/ts-cloudcam/internal/config"
	"github.com/technosupport/ts-cloudcam/internal/events"
	"github.com/technosupport/ts-cloudcam/internal/guard"
	"github.com/technosupport/ts-cloudcam/internal/metrics"
	"github.com/technosupport/ts-cloudcam/internal/middleware"
	"github.com/technosupport/ts-cloudcam/internal/platform/paths"
	"github.com/technosupport/ts-cloudcam/internal/proxy"
	"github.com/technosupport/ts-cloudcam/internal/ratelimit"
	"github.com/technosupport/ts-cloudcam/internal/relay"
	"github.com/technosupport/ts-cloudcam/internal/tokens"
	"github.com/technosupport/ts-cloudcam/internal/upstream"
	"github.com/technosupport/ts-cloudcam/internal/vault"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: <data root>/config/default.yaml)")
	flag.Parse()

	// The hash-secret subcommand helps operators provision the pairing
	// secret without extra tooling.
	if flag.Arg(0) == "hash-secret" {
		runHashSecret(flag.Arg(1))
		return
	}

	if err := paths.EnsureDirs(); err != nil {
		log.Fatalf("Platform init error: %v", err)
	}

	cfg, err := config.Load(paths.ResolveConfigPath(*configPath))
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	// 1. Credential vault
	store, err := buildVaultStore(cfg.Vault)
	if err != nil {
		log.Fatalf("Vault init error: %v", err)
	}

	// 2. Upstream client + auth manager
	client := upstream.NewClient(cfg.Upstream.OAuthBaseURL, cfg.Upstream.RestBaseURL)
	mgr := auth.NewManager(auth.NewUpstreamAuthenticator(client), store)
	if err := mgr.Restore(); err != nil {
		log.Printf("Auth: vault restore failed, starting unauthenticated: %v", err)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// External edits to the vault file (another tool re-logging in, or a
	// wipe) are picked up live.
	go vault.Watch(rootCtx, store.Path(), mgr.ReloadFromVault)

	// 3. Destination guard + metrics
	g := guard.New(cfg.Upstream.AllowedHosts)
	collector := metrics.NewCollector()

	// 4. Live view relay
	spool, err := relay.NewSpool(cfg.Spool.Dir, int(cfg.Spool.MaxMB))
	if err != nil {
		log.Printf("Relay: spool disabled: %v", err)
	}
	settings := relay.Settings{
		ReadinessTimeout: cfg.Relay.ReadinessTimeout,
		RetryBase:        cfg.Relay.RetryBase,
		RetryCap:         cfg.Relay.RetryCap,
		RetryMax:         cfg.Relay.RetryMax,
		ReleaseGrace:     cfg.Relay.ReleaseGrace,
	}
	engine := &relay.FFmpegEngine{Path: cfg.Relay.FFmpegPath, Guard: g}
	registry := relay.NewRegistry(settings, mgr, client, engine).WithStats(collector)
	if spool != nil {
		registry.WithSpool(spool)
	}

	// 5. Optional NATS event bus
	var pub *events.Publisher
	if cfg.NATS.Enabled {
		pub, err = events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			log.Printf("Events: NATS unavailable, continuing without: %v", err)
			pub = nil
		} else {
			defer pub.Close()
			registry.WithSink(pub)
		}
	}

	// 6. Media proxy
	mediaProxy := proxy.New(g, mgr, client, cfg.Media.DownloadDir).WithStats(collector)
	if pub != nil {
		mediaProxy.WithSink(pub)
	}

	// Logout takes everything credential-dependent down with it.
	mgr.OnLogout(func() {
		registry.StopAll()
		mediaProxy.Jobs().CancelAll()
		collector.SetAuthenticated(false)
	})

	// 7. Gateway tokens, redis-backed revocation and rate limiting
	signingKey := cfg.API.SigningKey
	if signingKey == "" {
		if !cfg.API.AuthDisabled {
			log.Fatal("CLOUDCAM_JWT_SIGNING_KEY is required unless api.auth_disabled is set")
		}
		signingKey = "auth-disabled"
	}
	tokenMgr := tokens.NewManager(signingKey)

	var blacklist auth.TokenBlacklist = auth.NoopBlacklist{}
	var rateLimiter *middleware.RateLimitMiddleware
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		if err := rdb.Ping(rootCtx).Err(); err != nil {
			log.Printf("Redis unavailable (%v): token revocation and rate limiting disabled", err)
		} else {
			blacklist = auth.NewRedisBlacklist(rdb)
			limiter := ratelimit.NewLimiter(rdb, signingKey)
			rateLimiter = middleware.NewRateLimitMiddleware(limiter, ratelimit.ScopeLogin, ratelimit.LimitConfig{
				Rate:   10,
				Window: time.Minute,
			})
		}
	}

	// 8. HTTP surface
	router := api.NewRouter(api.Deps{
		Auth:      api.NewAuthHandler(mgr, tokenMgr, blacklist, cfg.API.PairingSecretHash),
		Camera:    api.NewCameraHandler(mgr, client),
		Live:      api.NewLiveHandler(registry, spool),
		Media:     api.NewMediaHandler(mgr, client, mediaProxy),
		JWT:       middleware.NewJWTAuth(tokenMgr, blacklist, cfg.API.AuthDisabled),
		RateLimit: rateLimiter,
		Metrics:   collector.Handler(),
	})
	if cfg.API.AuthDisabled {
		log.Printf("API auth is DISABLED; anyone who can reach %s controls the account", cfg.ListenAddr)
	}

	if state, account := mgr.Status(); state == auth.StateAuthenticated {
		collector.SetAuthenticated(true)
		log.Printf("Gateway: restored session for account %d", account)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Gateway: listening on %s", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Gateway: received %s, shutting down", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Gateway: server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Gateway: shutdown error: %v", err)
	}
	registry.Close()
	mediaProxy.Jobs().CancelAll()
	log.Printf("Gateway: stopped")
}

// buildVaultStore picks the credential backend. Plaintext requires an
// explicit opt-in and announces itself on every boot.
func buildVaultStore(cfg config.VaultConfig) (vault.Store, error) {
	path := cfg.Path
	if path == "" {
		path = "data/credential.vault"
	}

	if cfg.Passphrase != "" {
		return vault.NewEncryptedFileStore(path, cfg.Passphrase)
	}
	if cfg.AllowPlaintext {
		log.Printf("WARNING: storing the upstream credential UNENCRYPTED at %s (vault.allow_plaintext)", path)
		return vault.NewPlainFileStore(path), nil
	}
	return nil, errors.New("CLOUDCAM_VAULT_PASSPHRASE is not set and vault.allow_plaintext is off")
}

func runHashSecret(secret string) {
	if secret == "" {
		fmt.Fprintln(os.Stderr, "usage: gatewayd hash-secret <secret>")
		os.Exit(2)
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		log.Fatalf("hash failed: %v", err)
	}
	fmt.Println(hash)
}
