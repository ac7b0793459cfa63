package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/amirphl/signal-coordinator/internal/broker"
	"github.com/amirphl/signal-coordinator/internal/config"
	"github.com/amirphl/signal-coordinator/internal/coordinator"
	"github.com/amirphl/signal-coordinator/internal/db"
	"github.com/amirphl/signal-coordinator/internal/db/conf"
	"github.com/amirphl/signal-coordinator/internal/executor"
	"github.com/amirphl/signal-coordinator/internal/health"
	"github.com/amirphl/signal-coordinator/internal/lease"
	"github.com/amirphl/signal-coordinator/internal/pipeline"
	"github.com/amirphl/signal-coordinator/internal/recovery"
	"github.com/amirphl/signal-coordinator/internal/signal"
	"github.com/amirphl/signal-coordinator/internal/state"
	"github.com/amirphl/signal-coordinator/internal/utils"
	"github.com/amirphl/signal-coordinator/internal/validator"
)

// signalCacheRetention bounds the in-process dedup cache; the durable log
// covers anything older.
const signalCacheRetention = 10 * time.Minute

func main() {
	cfg := config.Load()
	logger := utils.GetLogger()

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	logger.Printf("Main | starting signal coordinator instance %s", cfg.InstanceID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		logger.Printf("Main | received signal %v, shutting down...", s)
		cancel()
	}()

	if cfg.RunMigration {
		if err := runMigrations(ctx, cfg.DBConnStr); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}

	dbConfig, err := conf.NewConfig(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		log.Fatalf("Failed to create DB config: %v", err)
	}
	storage, err := db.New(*dbConfig)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	logger.Printf("Main | connected to Postgres")

	leaseStore := lease.NewRedisStore(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})

	stateMgr := state.New(storage)
	if err := bootstrapPortfolio(ctx, stateMgr, cfg.InitialCapital); err != nil {
		log.Fatalf("Failed to bootstrap portfolio state: %v", err)
	}

	brk := broker.NewWallexBroker(cfg.WallexAPIKey, cfg.WallexLotSize)

	coord := coordinator.New(leaseStore, storage, cfg.InstanceID, coordinator.Options{
		LeaderTTL:     cfg.LeaderTTL,
		HeartbeatTTL:  cfg.HeartbeatTTL,
		SignalLockTTL: cfg.SignalLockTTL,
	})

	rec := recovery.New(stateMgr, brk, cfg.InstanceID, cfg.ReconcileWithBroker)
	rec.Peers = coord

	val := validator.New(validator.Config{
		BaseEntryDivergenceCap:   cfg.BaseEntryDivergenceCap,
		PyramidDivergenceCap:     cfg.PyramidDivergenceCap,
		ExitAdverseDivergenceCap: cfg.ExitAdverseDivergenceCap,
		RiskIncreaseShrink:       cfg.RiskIncreaseShrink,
		RiskIncreaseReject:       cfg.RiskIncreaseReject,
		MinPyramidExcursionATR:   cfg.MinPyramidExcursionATR,
	})

	strategy := buildStrategy(cfg, brk)
	pipe := pipeline.New(signal.NewCache(signalCacheRetention), coord, stateMgr, rec, val, brk, strategy)

	healthSrv := health.NewServer(cfg.HealthAddr, storage, leaseStore, coord, rec)
	healthSrv.Start()

	// Recovery runs before any signal is accepted. Validation or
	// corruption failures halt the process; operators must intervene.
	snapshot, err := rec.Run(ctx)
	if err != nil {
		log.Fatalf("Recovery failed, refusing to trade: %v", err)
	}
	if snapshot.Degraded {
		logger.Printf("Main | WARNING: running degraded with empty recovered state")
	}

	runner := pipeline.NewRunner(coord, stateMgr, pipeline.RunnerOptions{
		ElectionPollInterval: cfg.ElectionPollInterval,
		LeaderRenewInterval:  cfg.LeaderRenewInterval,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		SignalLogRetention:   cfg.SignalLogRetention,
	})
	go runner.Run(ctx)

	intakeSrv := startIntake(cfg.IntakeAddr, pipe)

	<-ctx.Done()
	logger.Printf("Main | graceful shutdown initiated...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := intakeSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("Main | intake shutdown: %v", err)
	}
	if err := healthSrv.Stop(shutdownCtx); err != nil {
		logger.Printf("Main | health shutdown: %v", err)
	}
	logger.Printf("Main | shutdown complete")
}

func buildStrategy(cfg config.Config, b broker.Broker) executor.Strategy {
	switch cfg.ExecutionStrategy {
	case "simple":
		return executor.NewSimple(b, cfg.OrderPollInterval, cfg.OrderTimeout)
	case "progressive":
		return executor.NewProgressive(b, cfg.OrderPollInterval, cfg.OrderTimeout,
			cfg.ProgressiveStepPercent, cfg.ProgressiveMaxAttempts, cfg.MaxSlippagePercent)
	default:
		log.Fatalf("Unsupported execution strategy: %s", cfg.ExecutionStrategy)
		return nil
	}
}

// bootstrapPortfolio creates the singleton aggregate row on first start.
func bootstrapPortfolio(ctx context.Context, stateMgr *state.Manager, initialCapital float64) error {
	existing, err := stateMgr.GetPortfolioState(ctx)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	utils.GetLogger().Printf("Main | bootstrapping portfolio state with initial capital %.2f", initialCapital)
	return stateMgr.SavePortfolioState(ctx, &db.PortfolioState{InitialCapital: initialCapital})
}

// startIntake serves the signal webhook. Each POST body is one JSON
// signal; processing runs synchronously so the response reflects the
// outcome.
func startIntake(addr string, pipe *pipeline.Pipeline) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/signals", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var sig signal.Signal
		if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
			http.Error(w, fmt.Sprintf("bad signal: %v", err), http.StatusBadRequest)
			return
		}

		result, err := pipe.Handle(r.Context(), sig)
		if err != nil {
			utils.GetLogger().Printf("Main | signal processing failed: %v", err)
			http.Error(w, "processing failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"fingerprint": result.Fingerprint,
			"outcome":     result.Outcome,
			"lots":        result.Decision.Lots,
		})
	})

	srv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		utils.GetLogger().Printf("Main | signal intake listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.GetLogger().Printf("Main | intake server stopped: %v", err)
		}
	}()
	return srv
}

// runMigrations creates the database if it doesn't exist and applies
// scripts/schema.sql.
func runMigrations(ctx context.Context, connStr string) error {
	utils.GetLogger().Printf("Main | running database migrations...")

	u, err := url.Parse(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}
	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in connection string")
	}

	adminURL := *u
	adminURL.Path = "/postgres"
	adminDB, err := sql.Open("postgres", adminURL.String())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer adminDB.Close()

	var exists bool
	err = adminDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}
	if !exists {
		utils.GetLogger().Printf("Main | creating database %s...", dbName)
		if _, err := adminDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	appDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer appDB.Close()

	schemaSQL, err := os.ReadFile("scripts/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := appDB.ExecContext(ctx, string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to execute schema.sql: %w", err)
	}

	utils.GetLogger().Printf("Main | database migrations completed")
	return nil
}
