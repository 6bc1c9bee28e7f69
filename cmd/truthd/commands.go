package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	_ "modernc.org/sqlite"

	"github.com/truthlayer/core/pkg/arbiter"
	"github.com/truthlayer/core/pkg/audit"
	"github.com/truthlayer/core/pkg/config"
	"github.com/truthlayer/core/pkg/gateway"
	"github.com/truthlayer/core/pkg/precedence"
	"github.com/truthlayer/core/pkg/resolution"
	"github.com/truthlayer/core/pkg/workflow"
)

// openStore opens the shared SQLite database and the storage gateway.
func openStore(cfg *config.Config) (*gateway.SQLiteStore, *sql.DB, func(), error) {
	db, err := sql.Open("sqlite", "file:"+cfg.DatabasePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	closeDB := func() { _ = db.Close() }

	store, err := gateway.NewSQLiteStore(db)
	if err != nil {
		closeDB()
		return nil, nil, nil, fmt.Errorf("init storage: %w", err)
	}
	return store, db, closeDB, nil
}

// loadGraph rebuilds the precedence graph from the stored edge set.
func loadGraph(ctx context.Context, store gateway.Store) (*precedence.Graph, error) {
	edges, err := store.ScanPrecedenceEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("load precedence edges: %w", err)
	}
	graph, err := precedence.FromEdges(edges)
	if err != nil {
		return nil, fmt.Errorf("rebuild precedence graph: %w", err)
	}
	return graph, nil
}

// openWorkflow builds the conflict workflow over the configured database.
// Subcommands share the SQLite file with a running daemon; they do not need
// Redis.
func openWorkflow(ctx context.Context, cfg *config.Config, withOracle bool) (*workflow.Workflow, *audit.SQLiteStore, func(), error) {
	store, db, closeDB, err := openStore(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	ledger, err := audit.NewSQLiteStore(db)
	if err != nil {
		closeDB()
		return nil, nil, nil, fmt.Errorf("init audit ledger: %w", err)
	}
	graph, err := loadGraph(ctx, store)
	if err != nil {
		closeDB()
		return nil, nil, nil, err
	}

	logger := newLogger(cfg.LogLevel)

	var oracle arbiter.Oracle
	if withOracle {
		oracleCfg := arbiter.DefaultClientConfig()
		oracleCfg.URL = cfg.OracleURL
		oracleCfg.APIKey = cfg.OracleKey
		oracleCfg.Model = cfg.OracleModel
		oracle = arbiter.NewClient(oracleCfg, arbiter.NewGate(arbiter.DefaultGateConfig()), logger)
	}

	engine := resolution.NewEngine(graph, oracle, logger)
	return workflow.New(store, ledger, engine, logger), ledger, closeDB, nil
}

func runResolve(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("resolve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	noOracle := cmd.Bool("no-oracle", false, "skip the arbitration oracle; undecidable conflicts escalate")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: truthd resolve [--no-oracle] <conflict-id>")
		return 2
	}
	conflictID := cmd.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	wf, _, cleanup, err := openWorkflow(ctx, config.Load(), !*noOracle)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()

	res, err := wf.ResolveConflict(ctx, conflictID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Fprintln(stdout, string(out))
	return 0
}

func runReopen(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("reopen", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	operator := cmd.String("operator", "", "who is rolling back (REQUIRED)")
	reason := cmd.String("reason", "", "why the decision is being rolled back (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 || *operator == "" || *reason == "" {
		fmt.Fprintln(stderr, "Usage: truthd reopen --operator <who> --reason <why> <conflict-id>")
		return 2
	}
	conflictID := cmd.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wf, _, cleanup, err := openWorkflow(ctx, config.Load(), false)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()

	if err := wf.Rollback(ctx, conflictID, *operator, *reason); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "conflict %s reopened\n", conflictID)
	return 0
}

// runOverride records a lex specialis assertion: the specific rule overrides
// the general one. The in-memory graph vets the edge for cycles before it is
// persisted, so a proposer learns immediately when an override would close a
// loop.
func runOverride(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("override", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	note := cmd.String("note", "", "why the specific rule overrides the general one")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 2 {
		fmt.Fprintln(stderr, "Usage: truthd override [--note <why>] <specific-rule-id> <general-rule-id>")
		return 2
	}
	from, to := cmd.Arg(0), cmd.Arg(1)

	store, _, cleanup, err := openStore(config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	graph, err := loadGraph(ctx, store)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := graph.AddOverride(from, to, *note); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	edge, _ := graph.Edge(from, to)
	if err := store.AddPrecedenceEdge(ctx, &edge); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "override recorded: %s overrides %s\n", from, to)
	return 0
}

func runVerifyLedger(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-ledger", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	_, ledger, cleanup, err := openWorkflow(ctx, config.Load(), false)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()

	if err := ledger.VerifyChain(ctx); err != nil {
		fmt.Fprintf(stderr, "Ledger verification FAILED: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "ledger chain OK")
	return 0
}

func runHealth(stdout, stderr io.Writer) int {
	cfg := config.Load()
	addr := cfg.HealthAddr
	if addr[0] == ':' {
		addr = "localhost" + addr
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n%s\n", resp.StatusCode, body)
		return 1
	}
	fmt.Fprintln(stdout, string(body))
	return 0
}
