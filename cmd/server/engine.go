package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/warp/learner-credit/assignment"
	"github.com/warp/learner-credit/config"
	"github.com/warp/learner-credit/credit"
	"github.com/warp/learner-credit/lock"
	"github.com/warp/learner-credit/logger"
	"github.com/warp/learner-credit/metrics"
	"github.com/warp/learner-credit/policy"
	"github.com/warp/learner-credit/remote"
	"github.com/warp/learner-credit/store/sqlite"
)

// engine is every long-lived component, built once per command.
type engine struct {
	store    *sqlite.Store
	registry *prometheus.Registry

	assignments *assignment.Manager
	evaluator   *policy.Evaluator
	service     *policy.Service
	redeemer    *policy.Redeemer
	allocator   *policy.Allocator
	sweeper     *policy.Sweeper

	closers []func() error
}

func (e *engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	return errors.Join(errs...)
}

func buildEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	e := &engine{registry: prometheus.NewRegistry()}
	e.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.MustNewMetrics(e.registry)

	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	e.store = store
	e.closers = append(e.closers, store.Close)

	locker, err := buildLocker(ctx, cfg, e)
	if err != nil {
		e.Close()
		return nil, err
	}

	membership, catalog, ledger, err := buildServices(cfg)
	if err != nil {
		e.Close()
		return nil, err
	}

	allocCfg, err := cfg.Allocation.Policy()
	if err != nil {
		e.Close()
		return nil, err
	}

	clock := credit.SystemClock{}
	e.assignments = assignment.NewManager(store, assignment.LogNotifier{Logger: logger.WithComponent("notifier")}, clock, logger.WithComponent("assignments"))
	e.evaluator = policy.NewEvaluator(membership, catalog, ledger, e.assignments, clock, logger.WithComponent("evaluator"))
	e.service = policy.NewService(store, ledger, e.evaluator, locker, cfg.Lock.Options(), clock, logger.WithComponent("policies"))
	e.redeemer = policy.NewRedeemer(e.evaluator, ledger, locker, e.assignments, cfg.Lock.RedeemerConfig(), rec, logger.WithComponent("redeemer"))
	e.allocator = policy.NewAllocator(catalog, ledger, e.assignments, allocCfg, clock, rec, logger.WithComponent("allocator"))
	e.sweeper = policy.NewSweeper(store, store, catalog, ledger, cfg.Expiration.Sweep(), clock, rec, logger.WithComponent("expiration"))
	return e, nil
}

// buildLocker prefers Redis so the lock holds across replicas.
func buildLocker(ctx context.Context, cfg *config.Config, e *engine) (lock.Locker, error) {
	if !cfg.Redis.Enabled {
		logger.Get().Warn("redis disabled, redemption locks are local to this process")
		return lock.NewMemoryLocker(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.GetAddr(), err)
	}
	e.closers = append(e.closers, client.Close)
	return lock.NewRedisLocker(client, cfg.Redis.KeyPrefix), nil
}

func buildServices(cfg *config.Config) (credit.MembershipService, credit.CatalogService, credit.LedgerService, error) {
	svc := cfg.Services
	if svc.DevMode {
		logger.Get().Warn("services.dev_mode is on, using seeded in-memory collaborators")
		m, c, l := devServices()
		return m, c, l, nil
	}
	if svc.MembershipURL == "" || svc.CatalogURL == "" || svc.LedgerURL == "" {
		return nil, nil, nil, errors.New("services.membership_url, catalog_url and ledger_url are required unless services.dev_mode is set")
	}
	cache := cfg.Cache.Remote()
	membership := remote.NewCachedMembership(remote.NewHTTPMembership(svc.Client(svc.MembershipURL)), cache)
	catalog := remote.NewCachedCatalog(remote.NewHTTPCatalog(svc.Client(svc.CatalogURL)), cache)
	// Balances and spend are never cached.
	ledger := remote.NewHTTPLedger(svc.Client(svc.LedgerURL))
	return membership, catalog, ledger, nil
}

// Dev-mode fixture identifiers, printed at startup.
const (
	devEnterprise credit.EnterpriseID = "00000000-0000-0000-0000-00000000a001"
	devSubsidy    credit.SubsidyID    = "00000000-0000-0000-0000-00000000b001"
	devCatalog    credit.CatalogID    = "00000000-0000-0000-0000-00000000c001"
	devLearner    credit.LearnerID    = 1001
)

// devServices seeds one enterprise with one learner, one funded subsidy and
// a small catalog.
func devServices() (*remote.MemoryMembership, *remote.MemoryCatalog, *remote.MemoryLedger) {
	membership := remote.NewMemoryMembership()
	membership.AddLearner(devEnterprise, devLearner, "learner@example.com")

	catalog := remote.NewMemoryCatalog()
	for key, price := range map[string]credit.Cents{
		"course-v1:edX+DemoX+Demo_Course": 19900,
		"course-v1:edX+Python+2025":       49900,
	} {
		catalog.AddContent(devCatalog, credit.ContentMetadata{ContentKey: key, Title: key, Price: price})
	}

	ledger := remote.NewMemoryLedger()
	now := time.Now().UTC()
	ledger.PutSubsidy(credit.Subsidy{
		ID:               devSubsidy,
		EnterpriseID:     devEnterprise,
		Title:            "Dev learner credit",
		RemainingBalance: 1_000_000,
		TotalDeposits:    1_000_000,
		ActiveAt:         now.AddDate(0, 0, -1),
		ExpiresAt:        now.AddDate(1, 0, 0),
	})

	logger.Get().Info("seeded dev collaborators",
		"enterprise_id", devEnterprise, "subsidy_id", devSubsidy, "catalog_id", devCatalog, "learner_id", devLearner)
	return membership, catalog, ledger
}
