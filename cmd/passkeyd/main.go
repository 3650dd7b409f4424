package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/layer-3/passkeyd/adapters/events"
	"github.com/layer-3/passkeyd/adapters/store"
	"github.com/layer-3/passkeyd/adapters/tokenizer"
	"github.com/layer-3/passkeyd/adapters/verifier"
	"github.com/layer-3/passkeyd/config"
	"github.com/layer-3/passkeyd/internal/logging"
	"github.com/layer-3/passkeyd/ports"
	"github.com/layer-3/passkeyd/service"
	httpapi "github.com/layer-3/passkeyd/transport/http"
	"github.com/layer-3/passkeyd/transport/ws"
)

const purgeInterval = time.Minute

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "passkeyd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("passkeyd", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", os.Getenv("PASSKEYD_CONFIG"), "path to a YAML config file")
	addr := flags.String("addr", "", "HTTP listen address (overrides config)")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, err := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	key, ephemeral, err := loadSigningKey(cfg.Signing.KeyFile)
	if err != nil {
		return err
	}
	if ephemeral {
		logger.Warn("using an ephemeral signing key, sessions will not survive a restart")
	}

	// Stores
	var (
		revocations ports.Store
		challenges  ports.ChallengeStore
		ceremonies  ports.CeremonyStore
		redisClient *redis.Client
	)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach Redis: %w", err)
		}
		revocations = store.NewRedisStore(redisClient)
		challenges = store.NewRedisChallengeStore(redisClient)
		ceremonies = store.NewRedisCeremonyStore(redisClient)
	} else {
		logger.Warn("no redis configured, challenges and revocations are kept in memory")
		revocations = store.NewMemoryStore()
		challenges = store.NewMemoryChallengeStore()
		ceremonies = store.NewMemoryCeremonyStore()
	}

	var repo ports.Repository
	if cfg.Database.Path != "" {
		sqlite, err := store.NewSQLiteRepository(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer sqlite.Close()
		repo = sqlite
	} else {
		logger.Warn("no database configured, users and credentials are kept in memory")
		repo = store.NewMemoryRepository()
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := service.NewMetrics(registry)

	// Events: logouts reach local sockets directly and other instances
	// through the redis stream.
	hub := ws.NewHub(logger)
	instanceID := ulid.Make().String()
	publisher := events.Fanout{hub}
	var subscriber message.Subscriber
	if redisClient != nil {
		wmLogger := watermill.NewSlogLogger(logger)
		pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: redisClient}, wmLogger)
		if err != nil {
			return fmt.Errorf("failed to create Redis publisher: %w", err)
		}
		defer pub.Close()

		sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client:        redisClient,
			ConsumerGroup: cfg.Events.ConsumerGroup,
		}, wmLogger)
		if err != nil {
			return fmt.Errorf("failed to create Redis subscriber: %w", err)
		}
		defer sub.Close()

		publisher = append(publisher, events.NewWatermillPublisher(pub, cfg.Events.Topic, instanceID))
		subscriber = sub
	}

	// Services
	sessions := service.NewSessionService(service.SessionConfig{
		TTL:       cfg.Session.TTL,
		CacheTTL:  cfg.Session.CacheTTL,
		CacheSize: cfg.Session.CacheSize,
	}, tokenizer.NewJWTTokenizer(key), revocations, repo, publisher, logger, metrics)

	coordinator := service.NewCoordinator(
		service.NewChallengeService(challenges, cfg.Ceremony.ChallengeTTL),
		ceremonies,
		repo,
		newVerifier(cfg.RelyingParty, logger),
		sessions,
		cfg.Ceremony.TTL,
		logger,
		metrics,
	)

	// Transport
	gateway := ws.NewGateway(logger, hub, sessions, ws.GatewayConfig{
		OriginPatterns: cfg.Realtime.OriginPatterns,
		AuthTimeout:    cfg.Realtime.AuthTimeout,
	})

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = registry
	}

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.SetupRouter(httpapi.RouterConfig{
		Ceremonies: coordinator,
		Sessions:   sessions,
		Realtime:   gateway,
		Gatherer:   gatherer,
		Logger:     logger,
	})

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("passkeyd listening", "addr", cfg.HTTP.Addr, "instance", instanceID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	})
	if subscriber != nil {
		g.Go(func() error {
			relayed := events.Fanout{events.PublisherFunc(sessions.ForgetSession), hub}
			return events.Relay(gctx, subscriber, cfg.Events.Topic, instanceID, relayed, logger)
		})
	}
	g.Go(func() error {
		purgeChallenges(gctx, challenges, logger)
		return nil
	})

	return g.Wait()
}

// newVerifier builds the WebAuthn verifier. A relying party that cannot be
// configured leaves the server up with every ceremony answering Unsupported.
func newVerifier(rp config.RelyingPartyConfig, logger *slog.Logger) ports.Verifier {
	id, origins := rp.ID, rp.Origins
	if id == "" || len(origins) == 0 {
		derivedID, derivedOrigins := verifier.DeriveConfig(rp.BaseURL)
		if id == "" {
			id = derivedID
		}
		if len(origins) == 0 {
			origins = derivedOrigins
		}
	}

	v, err := verifier.NewWebAuthn(verifier.Config{
		RPID:          id,
		RPDisplayName: rp.DisplayName,
		RPOrigins:     origins,
	})
	if err != nil {
		logger.Error("passkey verification disabled", "error", err)
		return verifier.Unavailable{Reason: err.Error()}
	}
	logger.Info("relying party configured", "rp_id", id, "origins", origins)
	return v
}

func purgeChallenges(ctx context.Context, challenges ports.ChallengeStore, logger *slog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := challenges.Purge(ctx, now); err != nil && ctx.Err() == nil {
				logger.Warn("failed to purge challenges", "error", err)
			}
		}
	}
}
