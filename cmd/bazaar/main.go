package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/wrenlabs/bazaar/internal/api"
	"github.com/wrenlabs/bazaar/internal/catalog"
	"github.com/wrenlabs/bazaar/internal/config"
	"github.com/wrenlabs/bazaar/internal/dispatch"
	"github.com/wrenlabs/bazaar/internal/orchestrator"
	"github.com/wrenlabs/bazaar/internal/registry"
	pgstore "github.com/wrenlabs/bazaar/internal/store"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Bazaar...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/bazaar.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize PostgreSQL store
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
		}
	}

	// Initialize agent registry
	reg := registry.New(registry.Scoring{
		Default: cfg.Reputation.Default,
		Step:    cfg.Reputation.Step,
		Floor:   cfg.Reputation.Floor,
		Ceiling: cfg.Reputation.Ceiling,
	}, logger)
	if pgStore != nil {
		reg.SetPersister(pgStore)
		agents, loadErr := pgStore.ListAgents(context.Background())
		if loadErr != nil {
			logger.Warn("failed to load agents from DB", zap.Error(loadErr))
		} else {
			reg.Load(agents)
			logger.Info("Loaded agents from DB", zap.Int("count", len(agents)))
		}
	}

	// Initialize workflow catalog
	cat := catalog.New(logger)
	for _, wc := range cfg.Workflows {
		tpl := &catalog.Template{
			ID:          wc.ID,
			Name:        wc.Name,
			Description: wc.Description,
			Keywords:    wc.Keywords,
		}
		for _, sc := range wc.Subtasks {
			tpl.Subtasks = append(tpl.Subtasks, catalog.SubtaskDef{
				ID:         sc.ID,
				Capability: sc.Capability,
				DependsOn:  sc.DependsOn,
			})
		}
		if err := cat.Register(tpl); err != nil {
			logger.Fatal("invalid workflow template", zap.String("id", wc.ID), zap.Error(err))
		}
	}
	logger.Info("Workflow catalog loaded", zap.Int("templates", len(cfg.Workflows)))

	// Initialize event bus and classifier. Redis is optional: without it
	// there is no event feed and no classification cache.
	var classifier catalog.Classifier = catalog.NewKeywordClassifier(cat)
	bus, busErr := orchestrator.NewEventBus(cfg.Database.Redis.URL, logger)
	if busErr != nil {
		logger.Warn("Redis unavailable, running without event feed", zap.Error(busErr))
	} else {
		classifier = catalog.NewCachedClassifier(classifier, bus.Client(), time.Hour, logger)
	}

	// Initialize dispatcher, scheduler and engine
	dispatcher := dispatch.New(cfg.DispatchTimeout(), reg, logger)
	scheduler := orchestrator.NewScheduler(reg, dispatcher,
		cfg.Scheduler.PoolSize, cfg.Scheduler.MaxAttempts, cfg.RetryBackoff(), logger)
	engine := orchestrator.NewEngine(cat, classifier, scheduler, cfg.Deadline(), logger)
	if pgStore != nil {
		engine.SetPersister(pgStore)
		orchs, loadErr := pgStore.ListOrchestrations(context.Background())
		if loadErr != nil {
			logger.Warn("failed to load orchestrations from DB", zap.Error(loadErr))
		} else {
			engine.Restore(orchs)
			logger.Info("Restored orchestrations from DB", zap.Int("count", len(orchs)))
		}
	}
	if bus != nil {
		engine.SetEvents(bus)
	}

	// Resume orchestrations interrupted by a previous shutdown.
	for _, o := range engine.List("") {
		if o.Status.Terminal() || o.Status == orchestrator.StatusIntake {
			continue
		}
		id := o.ID
		go func() {
			if err := engine.Run(context.Background(), id); err != nil {
				logger.Warn("resume failed", zap.String("orchestration", id), zap.Error(err))
			}
		}()
	}

	// Build HTTP handler
	handler := api.NewHandler(engine, reg, cat, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Bazaar listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Bazaar...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if bus != nil {
		bus.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}
