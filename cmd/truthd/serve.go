package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/truthlayer/core/pkg/arbiter"
	"github.com/truthlayer/core/pkg/audit"
	"github.com/truthlayer/core/pkg/config"
	"github.com/truthlayer/core/pkg/drainer"
	"github.com/truthlayer/core/pkg/gateway"
	"github.com/truthlayer/core/pkg/observability"
	"github.com/truthlayer/core/pkg/precedence"
	"github.com/truthlayer/core/pkg/queue"
	"github.com/truthlayer/core/pkg/resolution"
	"github.com/truthlayer/core/pkg/workflow"
)

// instanceLockKey guards against a second drainer on the same Redis. This is
// a best-effort lock, not a consensus protocol: running two schedulers
// against the same stores double-dispatches.
const (
	instanceLockKey = "truth:drainer:lock"
	instanceLockTTL = 2 * time.Minute
)

//nolint:gocognit // linear startup wiring
func runServe(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		fmt.Fprintf(stderr, "profile: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage. Unreachable backends at startup are fatal; the supervisor
	// restarts us.
	db, err := sql.Open("sqlite", "file:"+cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	store, err := gateway.NewSQLiteStore(db)
	if err != nil {
		fmt.Fprintf(stderr, "init storage: %v\n", err)
		return 1
	}
	if err := store.Ping(ctx); err != nil {
		fmt.Fprintf(stderr, "database unreachable: %v\n", err)
		return 1
	}

	ledger, err := audit.NewSQLiteStore(db)
	if err != nil {
		fmt.Fprintf(stderr, "init audit ledger: %v\n", err)
		return 1
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(stderr, "redis unreachable at %s: %v\n", cfg.RedisAddr, err)
		return 1
	}

	instanceID := uuid.New().String()
	locked, err := rdb.SetNX(ctx, instanceLockKey, instanceID, instanceLockTTL).Result()
	if err != nil {
		fmt.Fprintf(stderr, "instance lock: %v\n", err)
		return 1
	}
	if !locked {
		fmt.Fprintln(stderr, "another drainer already holds the instance lock; refusing to start")
		return 1
	}
	defer releaseLock(rdb, instanceID)
	go refreshLock(ctx, rdb, instanceID, logger)

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:    "truthd",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		fmt.Fprintf(stderr, "observability: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	// Oracle behind its rate gate.
	gate := arbiter.NewGate(arbiter.GateConfig{
		MaxConcurrent:  profile.Oracle.MaxConcurrent,
		CallsPerWindow: profile.Oracle.CallsPerMinute,
		Window:         time.Minute,
		MinSpacing:     time.Duration(profile.Oracle.MinSpacingMs) * time.Millisecond,
	})
	oracleCfg := arbiter.DefaultClientConfig()
	oracleCfg.URL = cfg.OracleURL
	oracleCfg.APIKey = cfg.OracleKey
	oracleCfg.Model = cfg.OracleModel
	if profile.Oracle.TimeoutSec > 0 {
		oracleCfg.Timeout = time.Duration(profile.Oracle.TimeoutSec) * time.Second
	}
	oracle := arbiter.NewClient(oracleCfg, gate, logger)

	// The stored edge set is the source of truth for lex specialis; rebuild
	// the in-memory graph from it so overrides survive restarts.
	edges, err := store.ScanPrecedenceEdges(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "load precedence edges: %v\n", err)
		return 1
	}
	graph, err := precedence.FromEdges(edges)
	if err != nil {
		fmt.Fprintf(stderr, "precedence graph: %v\n", err)
		return 1
	}

	policies := make(map[string]queue.QueuePolicy, len(profile.Queues))
	for _, q := range profile.Queues {
		policies[q.Queue] = queue.QueuePolicy{JobsPerMinute: q.JobsPerMinute, Burst: q.Burst}
	}
	dispatcher := queue.NewRedisDispatcher(rdb, time.Hour, policies)

	engine := resolution.NewEngine(graph, oracle, logger)
	wf := workflow.New(store, ledger, engine, logger).
		WithSink(queue.NewReviewSink(dispatcher)).
		WithObserver(provider)

	state := drainer.NewState(drainer.StageNames)
	observer := observability.NewStageObserver(provider)
	stages := drainer.BuildStages(store, dispatcher, wf, state, logger)
	for _, stage := range stages {
		breaker := drainer.NewBreaker(stage.Name()).
			WithThresholds(profile.Breaker.WindowSize, profile.Breaker.MinSamples, profile.Breaker.ErrorRate)
		if cooldown := profile.BreakerCooldown(0); cooldown > 0 {
			breaker.WithCooldown(cooldown)
		}
		stage.WithBreaker(breaker).WithObserver(observer)
	}

	heartbeat := observability.NewHeartbeat(rdb, provider)
	scheduler := drainer.NewScheduler(stages, state, heartbeat, logger).
		WithBounds(profile.DrainFloor(drainer.DefaultFloor), profile.DrainCeiling(drainer.DefaultCeiling))

	healthSrv := startHealthServer(cfg.HealthAddr, state, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthSrv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(stdout, "truthd serving: db=%s redis=%s health=%s\n",
		cfg.DatabasePath, cfg.RedisAddr, cfg.HealthAddr)

	if err := scheduler.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "scheduler: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "truthd stopped")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// refreshLock extends the instance lock while the process is alive.
func refreshLock(ctx context.Context, rdb *redis.Client, instanceID string, logger *slog.Logger) {
	ticker := time.NewTicker(instanceLockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := rdb.Expire(ctx, instanceLockKey, instanceLockTTL).Result()
			if err != nil || !ok {
				logger.Warn("instance lock refresh failed", "instance", instanceID, "error", err)
			}
		}
	}
}

// releaseLock deletes the lock only if this instance still owns it.
func releaseLock(rdb *redis.Client, instanceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	owner, err := rdb.Get(ctx, instanceLockKey).Result()
	if err != nil || owner != instanceID {
		return
	}
	_ = rdb.Del(ctx, instanceLockKey).Err()
}

func startHealthServer(addr string, state *drainer.State, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		snap := state.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if !snap.IsRunning {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snap)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
		}
	}()
	return srv
}
