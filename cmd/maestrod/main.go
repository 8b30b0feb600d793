// maestrod is the orchestrator daemon: it loads configuration, assembles the
// worker registry, workflows, bandits and gateway, and serves HTTP until
// signalled to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/kettleworks/maestro/archive"
	"github.com/kettleworks/maestro/cache"
	"github.com/kettleworks/maestro/config"
	"github.com/kettleworks/maestro/gateway"
	"github.com/kettleworks/maestro/graph"
	"github.com/kettleworks/maestro/graph/emit"
	"github.com/kettleworks/maestro/manager"
	"github.com/kettleworks/maestro/orchestrator"
	"github.com/kettleworks/maestro/registry"
	"github.com/kettleworks/maestro/router"
	"github.com/kettleworks/maestro/worker"
	"github.com/kettleworks/maestro/workflow"
)

const probeInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "maestro.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "maestrod:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.DefaultRegisterer

	// Cache. Without a backing URL the cache serves from its in-process
	// fallback and ledger operations refuse, which disables budgets and
	// rate limits.
	var backing cache.Store
	var redisStore *cache.RedisStore
	if cfg.Cache.BackingURL != "" {
		redisOpts, err := redis.ParseURL(cfg.Cache.BackingURL)
		if err != nil {
			return fmt.Errorf("cache.backing_url: %w", err)
		}
		redisStore = cache.NewRedisStore(cache.RedisOptions{Client: redis.NewClient(redisOpts)})
		backing = redisStore
	} else {
		log.Warn().Msg("no cache backing configured; budgets and rate limits are inactive")
	}
	store := cache.New(cache.Options{
		Backing:      backing,
		FallbackSize: cfg.Cache.FallbackSize,
		Registerer:   reg,
	})

	// Worker registry and clients.
	workers := registry.New()
	bindings, localClients, err := buildWorkers(cfg, workers)
	if err != nil {
		return err
	}
	prober := registry.NewProber(workers, probeWith(localClients), probeInterval, log)
	prober.Start(ctx)
	defer prober.Stop()

	assignments := make(map[manager.TaskType][]string, len(cfg.ModelAssignments))
	for task, ids := range cfg.ModelAssignments {
		assignments[manager.TaskType(task)] = ids
	}
	concurrency := make(map[string]int)
	for id, w := range cfg.Workers {
		if w.Concurrency > 0 {
			concurrency[id] = w.Concurrency
		}
	}
	mgr := manager.New(manager.Options{
		Registry:             workers,
		Cache:                store,
		Bindings:             bindings,
		Assignments:          assignments,
		ResidentBudgetBytes:  cfg.ResidentBudgetBytes,
		PerWorkerConcurrency: concurrency,
		Log:                  log,
	})
	defer mgr.Close()

	// Graph engine with the workflows registered.
	engine := graph.NewEngine(
		graph.WithMetrics(graph.NewMetrics(reg)),
		graph.WithDefaultNodeTimeout(cfg.PerNodeTimeout()),
		graph.WithEmitter(emit.NewMultiEmitter(
			emit.NewLogEmitter(os.Stdout, true),
			emit.NewOTelEmitter(otel.Tracer("maestro")),
		)),
	)
	deps := workflow.Deps{
		Manager: mgr,
		Cache:   store,
		Search:  buildSearchProviders(cfg),
		Scraper: buildScraper(cfg),
		Log:     log,
	}
	if err := engine.Register(workflow.NewChatGraph(deps)); err != nil {
		return fmt.Errorf("register chat graph: %w", err)
	}
	if err := engine.Register(workflow.NewSearchGraph(deps)); err != nil {
		return fmt.Errorf("register search graph: %w", err)
	}

	// Bandits, one per workflow, restored from their checkpoints.
	bandits, arms := buildBandits(cfg, reg)
	var checkpointers []*router.Checkpointer
	for _, b := range bandits {
		cp := router.NewCheckpointer(b, store, log)
		cp.SetInterval(time.Duration(cfg.Bandit.CheckpointIntervalMS) * time.Millisecond)
		cp.Restore(ctx)
		cp.Start(ctx)
		checkpointers = append(checkpointers, cp)
	}
	defer func() {
		for _, cp := range checkpointers {
			cp.Stop()
		}
	}()

	// Execution archive.
	arch, err := buildArchive(cfg)
	if err != nil {
		return err
	}
	defer arch.Close()

	orch := orchestrator.New(orchestrator.Options{
		Engine:          engine,
		Cache:           store,
		Archive:         arch,
		Bandits:         bandits,
		Arms:            arms,
		ShadowRate:      cfg.ShadowRate,
		ShadowBudget:    cfg.ShadowBudgetPerWindow,
		DefaultDeadline: cfg.RequestDeadlineDefault(),
		RateLimits:      tierInts(cfg.RateLimit),
		Budgets:         tierFloats(cfg.Budget),
		Registerer:      reg,
		Log:             log,
	})
	defer orch.Close()

	apiKeys := make(map[string]gateway.Principal, len(cfg.APIKeys))
	for key, p := range cfg.APIKeys {
		tier := graph.QualityBalanced
		if p.Tier != "" {
			tier = graph.QualityTier(p.Tier)
		}
		apiKeys[key] = gateway.Principal{ID: p.Principal, Tier: tier}
	}
	health := map[string]gateway.HealthChecker{
		"archive": arch.Ping,
	}
	if redisStore != nil {
		health["cache"] = redisStore.Ping
	}
	gw := gateway.New(gateway.Options{
		Orchestrator: orch,
		APIKeys:      apiKeys,
		Health:       health,
		Log:          log,
	})

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           gw,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("serving")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

// buildWorkers registers descriptors from the config and constructs one
// client per inference worker.
func buildWorkers(cfg config.Config, workers *registry.Registry) ([]manager.Binding, map[string]*worker.LocalClient, error) {
	var bindings []manager.Binding
	locals := make(map[string]*worker.LocalClient)

	for id, w := range cfg.Workers {
		workers.Register(registry.Descriptor{
			ID:             id,
			Kind:           registry.Kind(w.Kind),
			Capabilities:   w.Capabilities,
			FootprintBytes: w.FootprintBytes,
			CostPerUnit:    w.CostPerUnit,
			Warmth:         cfg.WorkerWarmth(id),
			Fallback:       w.Fallback,
		})

		var client worker.InferenceClient
		switch registry.Kind(w.Kind) {
		case registry.KindLocalInference:
			lc := worker.NewLocalClient(w.BaseURL, 0)
			locals[id] = lc
			client = lc
		case registry.KindRemoteInference:
			key := config.APIKeySecret(w.APIKeyEnv)
			switch w.Provider {
			case "openai":
				client = worker.NewOpenAIClient(key)
			case "anthropic":
				client = worker.NewAnthropicClient(key)
			case "google":
				client = worker.NewGoogleClient(key)
			}
		default:
			continue
		}
		bindings = append(bindings, manager.Binding{WorkerID: id, Client: client, Model: w.Model})
	}
	return bindings, locals, nil
}

// probeWith checks local workers against their health endpoint. Remote
// workers have no probe and pass by default.
func probeWith(locals map[string]*worker.LocalClient) registry.ProbeFunc {
	return func(ctx context.Context, workerID string) error {
		lc, ok := locals[workerID]
		if !ok {
			return nil
		}
		return lc.Health(ctx)
	}
}

func buildSearchProviders(cfg config.Config) []worker.SearchProvider {
	providers := make([]worker.SearchProvider, 0, len(cfg.Search))
	for _, p := range cfg.Search {
		providers = append(providers, worker.NewHTTPSearchProvider(worker.SearchProviderOptions{
			ID:          p.ID,
			Endpoint:    p.Endpoint,
			APIKey:      config.APIKeySecret(p.APIKeyEnv),
			CostPerCall: p.CostPerCall,
			Timeout:     time.Duration(p.TimeoutMS) * time.Millisecond,
		}))
	}
	return providers
}

func buildScraper(cfg config.Config) worker.Scraper {
	return worker.NewScraper(worker.ScraperOptions{
		Timeout:   time.Duration(cfg.Scraper.TimeoutMS) * time.Millisecond,
		UserAgent: cfg.Scraper.UserAgent,
		MaxBytes:  cfg.Scraper.MaxBytes,
	})
}

// buildBandits groups the configured arms by workflow and creates one bandit
// per workflow that has at least one arm.
func buildBandits(cfg config.Config, reg prometheus.Registerer) (map[string]*router.Bandit, map[string]orchestrator.ArmSpec) {
	byWorkflow := make(map[string]map[string]string)
	arms := make(map[string]orchestrator.ArmSpec, len(cfg.Arms))
	for id, arm := range cfg.Arms {
		if byWorkflow[arm.Workflow] == nil {
			byWorkflow[arm.Workflow] = make(map[string]string)
		}
		byWorkflow[arm.Workflow][id] = arm.Quality
		arms[id] = orchestrator.ArmSpec{
			Workflow: arm.Workflow,
			Quality:  graph.QualityTier(arm.Quality),
		}
	}

	bandits := make(map[string]*router.Bandit, len(byWorkflow))
	for wf, wfArms := range byWorkflow {
		// A constant workflow label keeps each bandit's metric vectors
		// distinct under one registry.
		scoped := prometheus.WrapRegistererWith(prometheus.Labels{"workflow": wf}, reg)
		bandits[wf] = router.NewBandit(wfArms,
			router.WithBanditMetrics(scoped),
			router.WithQuarantineRails(cfg.Bandit.MinSuccess, cfg.Bandit.QuarantineWindow))
	}
	return bandits, arms
}

func buildArchive(cfg config.Config) (archive.Store, error) {
	switch cfg.Archive.Driver {
	case "sqlite":
		return archive.NewSQLiteStore(cfg.Archive.DSN)
	case "mysql":
		return archive.NewMySQLStore(cfg.Archive.DSN)
	default:
		return archive.NewMemoryStore(0), nil
	}
}

func tierInts(in map[string]config.RateLimit) map[graph.QualityTier]int {
	out := make(map[graph.QualityTier]int, len(in))
	for tier, rl := range in {
		out[graph.QualityTier(tier)] = rl.RPM
	}
	return out
}

func tierFloats(in map[string]config.Budget) map[graph.QualityTier]float64 {
	out := make(map[graph.QualityTier]float64, len(in))
	for tier, b := range in {
		out[graph.QualityTier(tier)] = b.Monetary
	}
	return out
}
