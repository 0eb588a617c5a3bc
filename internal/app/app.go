// Package app assembles the escrow engine from configuration: storage,
// coordination, services and the HTTP router.
package app

import (
	"context"
	"fmt"
	"time"

	"escrow-engine/config"
	httpHandler "escrow-engine/internal/adapter/http/handler"
	"escrow-engine/internal/adapter/objectstore"
	"escrow-engine/internal/adapter/storage/memory"
	pgStorage "escrow-engine/internal/adapter/storage/postgres"
	redisStorage "escrow-engine/internal/adapter/storage/redis"
	"escrow-engine/internal/core/ports"
	"escrow-engine/internal/service"
	"escrow-engine/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// App is a fully wired engine.
type App struct {
	Router    *gin.Engine
	Escrow    *service.EscrowServiceImpl
	Subwallet *service.SubwalletServiceImpl
	Dispute   *service.DisputeServiceImpl
	Ledger    *service.LedgerServiceImpl
	Audit     *service.AuditServiceImpl
	Tokens    *service.JWTTokenService

	cfg     *config.Config
	log     zerolog.Logger
	closers []func()
}

type stores struct {
	ledger     ports.LedgerRepository
	escrows    ports.EscrowRepository
	subwallets ports.SubwalletRepository
	disputes   ports.DisputeRepository
	audit      ports.AuditRepository
	transactor ports.Transactor
	health     []ports.HealthChecker
}

type coordination struct {
	locker     ports.AggregateLocker
	references ports.ReferenceCache
	nonces     ports.NonceStore
	limits     ports.RateLimitStore
	health     []ports.HealthChecker
}

// New builds the engine. openAPISpec may be nil.
func New(ctx context.Context, cfg *config.Config, openAPISpec []byte, log zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	st, err := a.openStores(ctx)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	co, err := a.openCoordination(ctx)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	opts := service.EngineOptions{
		ConflictRetries:   cfg.Engine.ConflictRetries,
		RetryBaseDelay:    cfg.Engine.RetryBaseDelay,
		LockTimeout:       cfg.Engine.LockTimeout,
		ReferenceCacheTTL: cfg.Engine.ReferenceCacheTTL,
	}

	a.Audit = service.NewAuditService(st.audit, cfg.Engine.AuditBuffer, logger.Component(log, "audit"))
	a.Ledger = service.NewLedgerService(
		st.ledger,
		service.NewSubwalletGuard(st.subwallets),
		co.references,
		st.transactor,
		co.locker,
		opts,
		logger.Component(log, "ledger"),
	)
	a.Subwallet = service.NewSubwalletService(
		st.subwallets,
		a.Ledger,
		a.Audit,
		service.RiskOptions{
			HighValueThresholdMinor: cfg.Risk.HighValueThresholdMinor,
			VelocityWindow:          cfg.Risk.VelocityWindow,
			VelocityLimit:           cfg.Risk.VelocityCountLimit,
		},
		logger.Component(log, "subwallet"),
	)
	a.Escrow = service.NewEscrowService(
		st.escrows,
		st.subwallets,
		a.Subwallet,
		a.Ledger,
		a.Audit,
		co.locker,
		opts,
		logger.Component(log, "escrow"),
	)

	var objects ports.ObjectStore
	if cfg.ObjectStore.BaseURL != "" {
		objects = objectstore.New(cfg.ObjectStore.BaseURL, cfg.ObjectStore.Timeout)
	}
	a.Dispute = service.NewDisputeService(
		st.disputes,
		a.Escrow,
		a.Ledger,
		objects,
		a.Audit,
		service.EvidenceOptions{
			MaxSizeBytes:   cfg.Evidence.MaxSizeBytes,
			VerifyObjects:  objects != nil,
			StatRetries:    cfg.ObjectStore.MaxRetries,
			StatRetryDelay: cfg.ObjectStore.RetryDelay,
		},
		logger.Component(log, "dispute"),
	)

	a.Tokens = service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer)

	a.Router = httpHandler.SetupRouter(httpHandler.RouterDeps{
		EscrowSvc:      a.Escrow,
		SubwalletSvc:   a.Subwallet,
		DisputeSvc:     a.Dispute,
		LedgerSvc:      a.Ledger,
		AuditSvc:       a.Audit,
		SigSvc:         service.NewHMACSignatureService(),
		TokenSvc:       a.Tokens,
		NonceStore:     co.nonces,
		RateLimitStore: co.limits,
		RailSecret:     cfg.Rail.HMACSecret,
		HealthCheckers: append(st.health, co.health...),
		OpenAPISpec:    openAPISpec,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Logger:         log,
	})

	return a, nil
}

func (a *App) openStores(ctx context.Context) (*stores, error) {
	switch a.cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := pgStorage.NewPool(ctx, a.cfg.Database, a.log)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.log.Info().Msg("PostgreSQL connected")

		if a.cfg.Database.AutoMigrate {
			if err := pgStorage.Migrate(ctx, pool, a.log); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}

		return &stores{
			ledger:     pgStorage.NewLedgerRepo(pool),
			escrows:    pgStorage.NewEscrowRepo(pool),
			subwallets: pgStorage.NewSubwalletRepo(pool),
			disputes:   pgStorage.NewDisputeRepo(pool),
			audit:      pgStorage.NewAuditRepo(pool),
			transactor: pgStorage.NewTransactor(pool, a.log),
			health:     []ports.HealthChecker{pgStorage.NewHealthCheck(pool)},
		}, nil

	default:
		s := memory.NewStore()
		a.log.Warn().Msg("using in-memory storage, state is lost on restart")
		return &stores{
			ledger:     memory.NewLedgerRepository(s),
			escrows:    memory.NewEscrowRepository(s),
			subwallets: memory.NewSubwalletRepository(s),
			disputes:   memory.NewDisputeRepository(s),
			audit:      memory.NewAuditRepository(s),
			transactor: s,
			health:     []ports.HealthChecker{s},
		}, nil
	}
}

func (a *App) openCoordination(ctx context.Context) (*coordination, error) {
	if !a.cfg.Redis.Enabled {
		a.log.Info().Msg("redis disabled: process-local locks, no nonce or rate limit checks")
		return &coordination{locker: memory.NewLocker()}, nil
	}

	rdb, err := redisStorage.NewClient(ctx, a.cfg.Redis, a.log)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	a.log.Info().Msg("Redis connected")

	return &coordination{
		locker:     redisStorage.NewLocker(rdb, a.cfg.Redis.LockLease, a.cfg.Redis.LockPoll, a.log),
		references: redisStorage.NewReferenceCache(rdb),
		nonces:     redisStorage.NewNonceStore(rdb),
		limits:     redisStorage.NewRateLimitStore(rdb),
		health:     []ports.HealthChecker{redisStorage.NewHealthCheck(rdb)},
	}, nil
}

// RunSweeper cancels overdue agreements every Scheduler.SweepInterval until
// ctx is done. It returns immediately when the interval is zero.
func (a *App) RunSweeper(ctx context.Context) {
	interval := a.cfg.Scheduler.SweepInterval
	if interval <= 0 {
		return
	}
	log := logger.Component(a.log, "scheduler")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.sweepOnce(ctx, now, log)
		}
	}
}

func (a *App) sweepOnce(ctx context.Context, now time.Time, log zerolog.Logger) {
	res, err := a.Escrow.SweepExpired(ctx, now, a.cfg.Scheduler.SweepBatch)
	if err != nil {
		log.Error().Err(err).Msg("deadline sweep failed")
		return
	}
	if len(res.Cancelled) > 0 || len(res.Failed) > 0 {
		log.Info().
			Int("cancelled", len(res.Cancelled)).
			Int("failed", len(res.Failed)).
			Msg("deadline sweep")
	}
}

// Close drains the audit queue and releases storage connections.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.Audit != nil {
		err = a.Audit.Close(ctx)
	}
	a.closeAll()
	return err
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
