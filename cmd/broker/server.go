package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ainp-broker/broker/pkg/antiabuse"
	"github.com/ainp-broker/broker/pkg/api"
	"github.com/ainp-broker/broker/pkg/audit"
	"github.com/ainp-broker/broker/pkg/config"
	"github.com/ainp-broker/broker/pkg/credit"
	"github.com/ainp-broker/broker/pkg/crypto"
	"github.com/ainp-broker/broker/pkg/did"
	"github.com/ainp-broker/broker/pkg/discovery"
	"github.com/ainp-broker/broker/pkg/mail"
	"github.com/ainp-broker/broker/pkg/negotiation"
	"github.com/ainp-broker/broker/pkg/payments"
	"github.com/ainp-broker/broker/pkg/receipt"
	"github.com/ainp-broker/broker/pkg/routing"
	"github.com/ainp-broker/broker/pkg/socket"
	"github.com/ainp-broker/broker/pkg/store"
	"github.com/ainp-broker/broker/pkg/stream"
	"github.com/ainp-broker/broker/pkg/trust"
	"github.com/ainp-broker/broker/pkg/usefulness"
	"github.com/redis/go-redis/v9"
)

const dataDir = "data"

// Services holds every constructed subsystem, mirroring the teacher's
// Services struct passed to RegisterSubsystemRoutes.
type Services struct {
	cfg *config.Config
	log *slog.Logger

	selfDID string

	credit      credit.Ledger
	discovery   *discovery.Service
	mail        *mail.Service
	negotiation *negotiation.Service
	usefulness  *usefulness.Service
	usefulAgg   *usefulness.Aggregator
	receipt     *receipt.Service
	finalizer   *receipt.Finalizer
	payments    *payments.Service
	routing     *routing.Service
	broker      stream.Broker
	gateway     *socket.Gateway
	guard       *antiabuse.Guard
	audit       audit.Logger

	idempotency api.IdempotencyStorer

	db *sql.DB
}

func runServer() {
	fmt.Fprintln(os.Stdout, "agent broker starting...")
	ctx := context.Background()
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	db, driver, err := connectDatabase(ctx, cfg)
	if err != nil {
		log.Fatalf("database setup failed: %v", err)
	}

	signer, err := loadOrGenerateBrokerSigner(dataDir, logger)
	if err != nil {
		log.Fatalf("signer setup failed: %v", err)
	}
	selfDID, err := did.Encode(signer.PublicKeyBytes())
	if err != nil {
		log.Fatalf("failed to derive broker did: %v", err)
	}
	logger.Info("broker identity", "did", selfDID)

	svc, err := buildServices(ctx, cfg, logger, db, driver, signer, selfDID)
	if err != nil {
		log.Fatalf("service wiring failed: %v", err)
	}

	mux := http.NewServeMux()
	registerRoutes(mux, svc)

	go func() {
		addr := ":" + svc.cfg.Port
		logger.Info("http server listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("http server failed", "error", err)
		}
	}()

	healthMux := http.NewServeMux()
	registerHealthRoutes(healthMux, svc)
	go func() {
		addr := ":" + svc.cfg.HealthPort
		logger.Info("health server listening", "addr", addr)
		//nolint:gosec // intentionally listening on all interfaces
		if err := http.ListenAndServe(addr, healthMux); err != nil {
			logger.Error("health server failed", "error", err)
		}
	}()

	startWorkers(ctx, svc)

	log.Println("[broker] ready")
	log.Println("[broker] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[broker] shutting down")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// connectDatabase opens Postgres when DATABASE_URL is set, else falls back
// to the embedded SQLite Lite Mode database, returning the driver name
// each SQL store needs to pick its schema dialect.
func connectDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, string, error) {
	if cfg.LiteMode() {
		fmt.Fprintln(os.Stdout, "DATABASE_URL not set, falling back to Lite Mode (SQLite)")
		db, err := setupLiteMode(dataDir)
		if err != nil {
			return nil, "", err
		}
		return db, "sqlite", nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, "", fmt.Errorf("ping postgres: %w", err)
	}
	log.Println("[broker] postgres: connected")
	return db, "postgres", nil
}

// buildServices constructs and initializes every subsystem, in dependency
// order: persistence stores first (each Init'd against the chosen
// driver), then the services that compose them, then the cross-cutting
// transport and anti-abuse layers, finally the routing service that ties
// discovery/stream/mail/socket together.
func buildServices(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB, driver string, signer *crypto.Ed25519Signer, selfDID string) (*Services, error) {
	creditLedger := credit.NewSQLLedger(db, driver)
	if err := creditLedger.Init(ctx); err != nil {
		return nil, fmt.Errorf("init credit ledger: %w", err)
	}

	discoStore := discovery.NewSQLStore(db, driver)
	if err := discoStore.Init(ctx); err != nil {
		return nil, fmt.Errorf("init discovery store: %w", err)
	}

	mailStore := mail.NewSQLStore(db, driver)
	if err := mailStore.Init(ctx); err != nil {
		return nil, fmt.Errorf("init mail store: %w", err)
	}

	negoStore := negotiation.NewSQLStore(db, driver)
	if err := negoStore.Init(ctx); err != nil {
		return nil, fmt.Errorf("init negotiation store: %w", err)
	}

	usefulStore := usefulness.NewSQLStore(db, driver)
	if err := usefulStore.Init(ctx); err != nil {
		return nil, fmt.Errorf("init usefulness store: %w", err)
	}

	receiptStore := receipt.NewSQLStore(db, driver)
	if err := receiptStore.Init(ctx); err != nil {
		return nil, fmt.Errorf("init receipt store: %w", err)
	}

	paymentsStore := payments.NewSQLStore(db, driver)
	if err := paymentsStore.Init(ctx); err != nil {
		return nil, fmt.Errorf("init payments store: %w", err)
	}

	auditStore := store.NewAuditStore()
	auditLogger := audit.NewStoreLogger(auditStore)

	embedder := buildEmbedder(cfg)
	discoSvc := discovery.New(discoStore, embedder, discovery.Weights{
		SimilarityWeight: cfg.DiscoverySimilarityWeight,
		TrustWeight:      cfg.DiscoveryTrustWeight,
		UsefulnessWeight: cfg.DiscoveryUsefulnessWeight,
		UsefulnessGated:  cfg.DiscoveryUsefulnessGated,
	}, cfg.VectorSimilarityThreshold, cfg.VectorSearchLimit)

	mailSvc := mail.New(mailStore)

	usefulSvc := usefulness.NewService(usefulStore, logger)
	usefulAgg := usefulness.NewAggregator(usefulStore, discoStore, logger)

	leaderboard := trust.NewLeaderboard()
	eligibility := discoveryEligibility{disco: discoSvc}
	receiptSvc := receipt.NewService(receiptStore, eligibility, leaderboard, cfg.PoUM, cfg.PoUK, false, logger)
	finalizer := receipt.NewFinalizer(receiptSvc, receiptStore, logger)

	negoSvc := negotiation.New(negoStore, creditLedger, receiptSvc, cfg.CreditLedgerEnabled, cfg.NegotiationMaxRounds, cfg.NegotiationTTL, cfg.NegotiationConvergenceThresh)

	paymentsSvc := payments.NewService(paymentsStore, creditLedger, logger)

	brokerStream, err := buildStream(cfg)
	if err != nil {
		return nil, fmt.Errorf("init stream broker: %w", err)
	}

	gateway := socket.NewGateway(logger)

	guard, err := buildGuard(cfg, mailSvc, creditLedger)
	if err != nil {
		return nil, fmt.Errorf("init anti-abuse guard: %w", err)
	}

	routingSvc := routing.NewService(brokerStream, gateway, mailSvc, discoSvc, signer, selfDID, logger)

	return &Services{
		cfg: cfg, log: logger, selfDID: selfDID, db: db,
		credit: creditLedger, discovery: discoSvc, mail: mailSvc,
		negotiation: negoSvc, usefulness: usefulSvc, usefulAgg: usefulAgg,
		receipt: receiptSvc, finalizer: finalizer, payments: paymentsSvc,
		routing: routingSvc, broker: brokerStream, gateway: gateway,
		guard: guard, audit: auditLogger,
		idempotency: api.NewIdempotencyStore(10 * time.Minute),
	}, nil
}

// buildEmbedder picks the semantic embedder: a real OpenAI-backed one when
// EMBEDDING_SERVICE_URL opts in (using OPENAI_API_KEY), else the
// deterministic hash-based fallback — either way wrapped in a cache so
// repeated capability descriptions don't re-embed.
func buildEmbedder(cfg *config.Config) store.Embedder {
	if cfg.EmbeddingServiceURL != "" {
		return discovery.NewCachedEmbedder(store.NewOpenAIEmbedder(os.Getenv("OPENAI_API_KEY")))
	}
	return discovery.NewCachedEmbedder(discovery.NewHashEmbedder())
}

func buildStream(cfg *config.Config) (stream.Broker, error) {
	if cfg.NATSURL == "" {
		return stream.NewMemoryBroker(), nil
	}
	return stream.NewNATSBroker(cfg.NATSURL)
}

// buildGuard wires the anti-abuse pipeline's sub-policies to Redis-backed
// implementations when REDIS_URL is set, else to their in-process
// fallbacks (spec §4.2's degraded-mode discipline).
func buildGuard(cfg *config.Config, contacts antiabuse.ContactLookup, ledger credit.Ledger) (*antiabuse.Guard, error) {
	policy := antiabuse.Policy{
		ReplayEnabled:        true,
		ContentDedupeEnabled: cfg.EmailContentDedupeEnabled,
		GreylistEnabled:      cfg.EmailGreylistEnabled,
		PostageEnabled:       cfg.EmailPostageEnabled,
		RateLimitEnabled:     true,
		ReplayTTL:            24 * time.Hour,
		ContentDedupeTTL:     cfg.EmailDedupeTTL,
		PostageAmountAtomic:  cfg.EmailPostageAmountAtomic,
		RateLimit:            antiabuse.RateLimitPolicy{Window: cfg.RateLimitWindow, MaxRequests: cfg.RateLimitMaxRequests},
	}

	var replay, dedupe antiabuse.ReplayCache
	var limiter antiabuse.RateLimiter
	if cfg.RedisURL != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		replay = antiabuse.NewRedisReplayCache(client, "replay:")
		dedupe = antiabuse.NewRedisReplayCache(client, "dedupe:")
		limiter = antiabuse.NewRedisRateLimiter(cfg.RedisURL, "", 0)
	} else {
		replay = antiabuse.NewInMemoryReplayCache()
		dedupe = antiabuse.NewInMemoryReplayCache()
		limiter = antiabuse.NewInMemoryRateLimiter()
	}

	greylist := antiabuse.NewGreylist(contacts, cfg.EmailGreylistDelay)
	debiter := credit.SpendAdapter{Ledger: ledger}
	return antiabuse.NewGuard(policy, replay, dedupe, greylist, limiter, debiter), nil
}
