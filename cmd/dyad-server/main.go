package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyadlabs/dyad-server/internal/api"
	"github.com/dyadlabs/dyad-server/internal/config"
	"github.com/dyadlabs/dyad-server/internal/crypto"
	"github.com/dyadlabs/dyad-server/internal/identity"
	"github.com/dyadlabs/dyad-server/internal/keyring"
	"github.com/dyadlabs/dyad-server/internal/kvstore"
	"github.com/dyadlabs/dyad-server/internal/pipeline"
	"github.com/dyadlabs/dyad-server/internal/push"
	"github.com/dyadlabs/dyad-server/internal/quota"
	"github.com/dyadlabs/dyad-server/internal/ratelimit"
	"github.com/dyadlabs/dyad-server/internal/storage"
	"github.com/dyadlabs/dyad-server/internal/store"
	"github.com/dyadlabs/dyad-server/internal/token"
)

var version = "dev"

func main() {
	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "addr", "", "http listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (trace..error)")
	flag.StringVar(&overrides.DatabaseURL, "db", "", "postgres connection url")
	flag.StringVar(&overrides.RedisURL, "redis", "", "redis connection url")
	flag.StringVar(&overrides.AudioDir, "audio-dir", "", "local audio storage directory")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("dyad-server starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := store.Connect(ctx, cfg.DatabaseURL, log.With().Str("component", "store").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	if err := db.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("database migration required")
	}

	// KV store
	var kv kvstore.Store
	if cfg.KVBackend == "memory" {
		log.Warn().Msg("using in-memory kv store, state will not survive restarts")
		kv = kvstore.NewMemoryStore()
	} else {
		kv, err = kvstore.ConnectRedis(ctx, cfg.RedisURL, log.With().Str("component", "kv").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
	}
	defer kv.Close()

	// Signing key ring
	enc, err := crypto.NewService(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid encryption secret")
	}
	ring := keyring.New(kv, enc, keyring.Options{
		RotationInterval: cfg.Rotation.Interval,
		GracePeriod:      cfg.Rotation.GracePeriod,
		MaxActiveKeys:    cfg.Rotation.MaxActiveKeys,
		LockTTL:          cfg.Rotation.LockTTL,
	}, log.With().Str("component", "keyring").Logger())

	// Key material is required before any token can be signed; a broken
	// ring at boot exits with a distinct code so supervisors can tell it
	// apart from config errors.
	if id, err := ring.CurrentSigningKeyID(ctx); err != nil || id == "" {
		if _, err := ring.GenerateNewKey(ctx); err != nil {
			log.Error().Err(err).Msg("failed to provision initial signing key")
			os.Exit(2)
		}
	}
	if err := ring.CheckAndRotateKeys(ctx); err != nil {
		log.Warn().Err(err).Msg("startup key rotation check failed")
	}
	scheduler := keyring.NewScheduler(ring, cfg.Rotation.CheckInterval, log.With().Str("component", "keyring").Logger())
	scheduler.Start()
	defer scheduler.Stop()

	// Session tokens
	sessions, err := token.New(ctx, ring, kv, cfg.JWT.Secret, cfg.JWT.ExpiresIn, log.With().Str("component", "token").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start token service")
	}
	defer sessions.Close()

	// Identity provider
	ids := identity.NewVerifier(identity.Options{
		Issuer:            cfg.Identity.Issuer,
		JWKSURL:           cfg.Identity.JWKSURL,
		AcceptedAudiences: cfg.Identity.AcceptedAudiences,
		FetchTimeout:      cfg.Identity.FetchTimeout,
	}, log.With().Str("component", "identity").Logger())

	// Rate limiting
	limiter := ratelimit.NewLimiter(cfg.RateLimit.Window, log.With().Str("component", "ratelimit").Logger())
	limiter.RegisterScope(api.ScopeDefault, cfg.RateLimit.MaxDefault)
	limiter.RegisterScope(api.ScopeAuth, cfg.RateLimit.MaxAuth)
	limiter.RegisterScope(api.ScopeConversations, cfg.RateLimit.MaxConversation)
	limiter.RegisterScope(api.ScopeAudio, cfg.RateLimit.MaxAudio)
	limiter.Start()
	defer limiter.Stop()

	ladder := ratelimit.NewLadder(kv, cfg.RateLimit.Window, cfg.RateLimit.LockoutWindow,
		cfg.RateLimit.LockoutCooldown, log.With().Str("component", "ladder").Logger())

	// Push channel
	buffer := push.NewBuffer(kv, cfg.Push.BufferMaxLen, cfg.Push.BufferTTL, cfg.Push.MessageExpiry)
	hub := push.NewHub(sessions, buffer, push.Options{
		PingInterval: cfg.Push.PingInterval,
		AuthTimeout:  cfg.Push.AuthTimeout,
	}, log.With().Str("component", "push").Logger())
	hub.Start()

	// Audio storage
	files, err := storage.New(cfg.S3, cfg.AudioDir, log.With().Str("component", "storage").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize audio storage")
	}
	log.Info().Str("backend", files.Type()).Msg("audio storage ready")

	// Processing pipeline
	stt := pipeline.NewWhisperClient(cfg.Providers.TranscriptionURL, cfg.Providers.TranscriptionModel,
		cfg.Providers.TranscriptionAPIKey, cfg.Providers.Timeout)
	analyzer := pipeline.NewChatClient(cfg.Providers.AnalysisURL, cfg.Providers.AnalysisModel,
		cfg.Providers.AnalysisAPIKey, cfg.Providers.Timeout)
	coordinator := pipeline.New(db, files, stt, analyzer, hub, pipeline.Options{
		Workers:   cfg.Providers.Workers,
		QueueSize: cfg.Providers.QueueSize,
		Timeout:   cfg.Providers.Timeout,
		Log:       log,
	})
	coordinator.Start()

	// Free-tier quota
	var subs quota.SubscriptionChecker
	if cfg.FreeTier.SubscriptionCheckURL != "" {
		subs = quota.NewHTTPChecker(cfg.FreeTier.SubscriptionCheckURL, cfg.Providers.Timeout)
	} else {
		log.Warn().Msg("no subscription check url configured, treating all users as free tier")
		subs = quota.StaticChecker{Status: quota.EntitlementFree}
	}
	gate := quota.NewGate(kv, subs, cfg.FreeTier.WeeklyConversationLimit, log)

	// HTTP server
	srv := api.NewServer(cfg, api.Deps{
		DB:       db,
		KV:       kv,
		Sessions: sessions,
		Identity: ids,
		Ladder:   ladder,
		Limiter:  limiter,
		Quota:    gate,
		Files:    files,
		Pipeline: coordinator,
		Hub:      hub,
		Version:  version,
	}, log.With().Str("component", "http").Logger())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Drain order: stop accepting requests, close push connections, then
	// let in-flight pipeline jobs finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	hub.Shutdown()
	coordinator.Stop()

	log.Info().Msg("dyad-server stopped")
}
