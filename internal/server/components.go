package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/alancoin-escrow/internal/alerts"
	"github.com/mbd888/alancoin-escrow/internal/chain"
	"github.com/mbd888/alancoin-escrow/internal/config"
	"github.com/mbd888/alancoin-escrow/internal/escrow"
	"github.com/mbd888/alancoin-escrow/internal/feed"
	"github.com/mbd888/alancoin-escrow/internal/health"
	"github.com/mbd888/alancoin-escrow/internal/jobs"
	"github.com/mbd888/alancoin-escrow/internal/metrics"
	"github.com/mbd888/alancoin-escrow/internal/oracle"
	"github.com/mbd888/alancoin-escrow/internal/ratelimit"
	"github.com/mbd888/alancoin-escrow/internal/reconcile"
	"github.com/mbd888/alancoin-escrow/internal/reputation"
	"github.com/mbd888/alancoin-escrow/internal/retry"
	"github.com/mbd888/alancoin-escrow/internal/signer"
	"github.com/mbd888/alancoin-escrow/internal/traces"
)

const (
	// AutoReleaseJob is the job name the auto-release scheduler runs under.
	AutoReleaseJob = "auto_release"

	alertThrottleWindow = 10 * time.Minute
	feedExchange        = "escrow.events"
)

// Components holds every service the binaries share. Build it with
// NewComponents and release it with Close.
type Components struct {
	DB         *sql.DB // nil if using in-memory
	Chain      *chain.Client
	Escrow     *escrow.Service
	Feedback   *reputation.Emitter
	Recorder   *oracle.Recorder
	Releaser   *oracle.AutoReleaser
	Reconciler *reconcile.Reconciler
	Jobs       *jobs.Runner
	Alerts     alerts.Sink
	Counter    ratelimit.Counter
	Recent     *feed.MemoryFeed
	Hub        *feed.Hub
	Health     *health.Registry

	redis         *ratelimit.RedisCounter
	amqp          *feed.AMQPPublisher
	webhook       *alerts.WebhookSink
	traceShutdown func(context.Context) error
	logger        *slog.Logger
}

// ComponentOption customizes NewComponents.
type ComponentOption func(*componentOptions)

type componentOptions struct {
	chainOpts []chain.Option
}

// WithEthClient replaces the dialed RPC connection (for testing).
func WithEthClient(eth chain.EthClient) ComponentOption {
	return func(o *componentOptions) {
		o.chainOpts = append(o.chainOpts, chain.WithEthClient(eth))
	}
}

// NewComponents wires storage, chain access, signers and the oracle.
// On error everything opened so far is closed.
func NewComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...ComponentOption) (_ *Components, err error) {
	var o componentOptions
	for _, opt := range opts {
		opt(&o)
	}

	c := &Components{logger: logger, Health: health.NewRegistry()}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.traceShutdown, err = traces.Init(ctx, cfg.OTLPEndpoint, "alancoin-escrow", logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore   escrow.Store
		feedbackStore reputation.Store
		runStore      oracle.RunStore
		lockStore     jobs.LockStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		c.DB = db

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		if err := metrics.RegisterDB(db); err != nil {
			return nil, fmt.Errorf("failed to register db metrics: %w", err)
		}

		escrowStore = escrow.NewPostgresStore(db)
		feedbackStore = reputation.NewPostgresStore(db)
		runStore = oracle.NewPostgresRunStore(db)
		lockStore = jobs.NewPostgresLockStore(db)
		logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		c.Health.Register("database", db.PingContext)
	} else {
		escrowStore = escrow.NewMemoryStore()
		feedbackStore = reputation.NewMemoryStore()
		runStore = oracle.NewMemoryRunStore()
		lockStore = jobs.NewMemoryLockStore()
		logger.Warn("using in-memory storage (data will be lost on restart)")
	}

	// Shared counter for rate limits and alert throttling
	if cfg.RedisURL != "" {
		rc, err := ratelimit.NewRedisCounter(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		c.redis = rc
		c.Counter = rc
		logger.Info("using Redis rate-limit counter")

		// The limiter fails open, so Redis trouble degrades but does not take the service down.
		c.Health.RegisterOptional("redis", rc.Ping)
	} else {
		c.Counter = ratelimit.NewMemoryCounter()
	}

	// Alerts
	sinks := []alerts.Sink{alerts.NewLogSink(logger)}
	if cfg.AlertWebhookURL != "" {
		c.webhook = alerts.NewWebhookSink(cfg.AlertWebhookURL, logger)
		sinks = append(sinks, c.webhook)
	}
	c.Alerts = alerts.NewThrottled(alerts.NewFanout(sinks...), c.Counter, alertThrottleWindow, logger)

	// Chain
	contracts := make(map[chain.Version]string)
	if cfg.EscrowContractV1 != "" {
		contracts[chain.V1] = cfg.EscrowContractV1
	}
	if cfg.EscrowContractV2 != "" {
		contracts[chain.V2] = cfg.EscrowContractV2
	}
	c.Chain, err = chain.New(chain.Config{
		RPCURL:              cfg.RPCURL,
		Contracts:           contracts,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		LogLookbackBlocks:   uint64(cfg.LogLookbackBlocks),
	}, logger, o.chainOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create chain client: %w", err)
	}
	c.Health.Register("rpc", c.Chain.Ping)

	// Signers
	var platform *signer.PlatformSigner
	signers := []signer.Signer{signer.NewExternalSigner(c.Chain, c.Chain)}
	if cfg.OraclePrivateKey != "" {
		platform, err = signer.NewPlatformSigner(c.Chain.Eth(), c.Chain, cfg.OraclePrivateKey, cfg.ChainID)
		if err != nil {
			return nil, fmt.Errorf("failed to load oracle key: %w", err)
		}
		signers = append(signers, platform)
		logger.Info("platform signer loaded", "address", platform.Address().Hex())
	}
	if cfg.ManagedSignerURL != "" {
		signers = append(signers, signer.NewManagedSigner(cfg.ManagedSignerURL, cfg.ManagedSignerToken, cfg.ChainID, c.Chain))
	}

	policy := retry.DefaultPolicy()
	if cfg.ChainCallTimeout > 0 {
		policy.CallTimeout = cfg.ChainCallTimeout
	}
	exec := retry.NewExecutor(policy, retry.ClassifyChainError, logger).WithAlerts(c.Alerts)

	// Activity feed
	c.Recent = feed.NewMemoryFeed(feed.DefaultRingSize)
	c.Hub = feed.NewHub(logger)
	feedSinks := []feed.Sink{c.Recent, c.Hub}
	if cfg.AMQPURL != "" {
		c.amqp, err = feed.NewAMQPPublisher(feed.AMQPConfig{URL: cfg.AMQPURL, Exchange: feedExchange})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to amqp: %w", err)
		}
		feedSinks = append(feedSinks, c.amqp)
		logger.Info("publishing activity events", "exchange", feedExchange)
	}

	// Escrow
	c.Feedback = reputation.NewEmitter(feedbackStore, logger)
	disputeLimiter := ratelimit.New(c.Counter, ratelimit.Config{
		Scope:  "dispute",
		Limit:  int64(cfg.DisputeRateLimit),
		Window: time.Hour,
	})
	c.Escrow = escrow.NewService(escrowStore, c.Chain, signer.NewRegistry(signers...), exec, logger).
		WithFeedback(c.Feedback).
		WithPublisher(feed.NewFanout(logger, feedSinks...)).
		WithAlerts(c.Alerts).
		WithDisputeLimiter(disputeLimiter).
		WithTolerance(cfg.AmountTolerance).
		WithAdmins(cfg.AdminIDs...)

	// Oracle
	c.Recorder = oracle.NewRecorder(runStore, logger)
	arCfg := oracle.AutoReleaseConfig{
		Enabled:        cfg.AutoReleaseEnabled,
		BatchSize:      cfg.AutoReleaseBatchSize,
		MinBalanceWei:  cfg.GasMinBalanceWei,
		WarnBalanceWei: cfg.GasWarnBalanceWei,
	}
	if platform != nil {
		arCfg.OracleAddress = platform.Address()
	}
	c.Releaser = oracle.NewAutoReleaser(c.Escrow, escrowStore, c.Recorder, arCfg, logger).
		WithAlerts(c.Alerts)
	if platform != nil {
		c.Releaser = c.Releaser.WithGasChecker(c.Chain)
	}

	c.Reconciler = reconcile.New(escrowStore, c.Chain, c.Recorder, logger).
		WithAlerts(c.Alerts).
		WithTolerance(cfg.AmountTolerance)

	c.Jobs = jobs.NewRunner(lockStore, logger,
		jobs.Func{JobName: AutoReleaseJob, Fn: c.autoReleaseJob},
		c.Reconciler.Job(),
	)

	return c, nil
}

// autoReleaseJob runs the scheduler under the job lock. A disabled
// scheduler is not a job failure.
func (c *Components) autoReleaseJob(ctx context.Context) error {
	_, err := c.Releaser.Run(ctx)
	if errors.Is(err, oracle.ErrDisabled) {
		return nil
	}
	return err
}

// Close releases every connection NewComponents opened.
func (c *Components) Close() {
	if c.webhook != nil {
		c.webhook.Wait()
	}
	if c.amqp != nil {
		if err := c.amqp.Close(); err != nil {
			c.logger.Error("amqp close error", "error", err)
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.Error("redis close error", "error", err)
		}
	}
	if c.Chain != nil {
		c.Chain.Close()
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.logger.Error("database close error", "error", err)
		} else {
			c.logger.Info("database connection closed")
		}
	}
	if c.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.traceShutdown(ctx); err != nil {
			c.logger.Error("trace shutdown error", "error", err)
		}
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
