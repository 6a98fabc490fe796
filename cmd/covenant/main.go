// Command covenant runs the portfolio constitution engine from the
// command line: validate rule definitions, run evaluations against
// snapshot files, and query the evaluation ledger.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/covenantlabs/covenant/pkg/config"
	"github.com/covenantlabs/covenant/pkg/constitution"
	"github.com/covenantlabs/covenant/pkg/contracts"
	"github.com/covenantlabs/covenant/pkg/engine"
	"github.com/covenantlabs/covenant/pkg/exceptions"
	"github.com/covenantlabs/covenant/pkg/interpreter"
	"github.com/covenantlabs/covenant/pkg/ledger"
	"github.com/covenantlabs/covenant/pkg/observability"
	"github.com/covenantlabs/covenant/pkg/signals"
	"github.com/covenantlabs/covenant/pkg/tags"
)

const version = "0.3.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; split out for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	case "evaluate":
		return runEvaluate(args[2:], stdout, stderr)
	case "latest":
		return runLatest(args[2:], stdout, stderr)
	case "drift":
		return runDrift(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, "covenant "+version)
		return 0
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: covenant <validate|evaluate|latest|drift|version> [flags]

  validate -definition <file>               check a constitution definition
  evaluate -definition <file> -snapshot <file>   run and record an evaluation
  latest   -user <id>                       show a user's latest evaluation
  drift    -user <id> -version <semver>     compare the last two evaluations`)
}

func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	defPath := fs.String("definition", "", "constitution definition file (YAML or JSON)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *defPath == "" {
		_, _ = fmt.Fprintln(stderr, "validate: -definition is required")
		return 2
	}

	data, err := os.ReadFile(*defPath)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "validate:", err)
		return 1
	}
	def, err := constitution.ParseDefinition(data)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "validate:", err)
		return 1
	}

	// Compile rules against the builtin registry so unregistered signal
	// refs surface here instead of at activation.
	registry := signals.NewRegistry()
	if err := signals.RegisterBuiltins(registry); err != nil {
		_, _ = fmt.Fprintln(stderr, "validate:", err)
		return 1
	}
	interp, err := interpreter.New(registry)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "validate:", err)
		return 1
	}
	probe := contracts.Constitution{Articles: def.Articles}
	for _, rule := range probe.Rules() {
		if err := interp.CompileRule(rule); err != nil {
			_, _ = fmt.Fprintln(stderr, "validate:", err)
			return 1
		}
	}

	_, _ = fmt.Fprintf(stdout, "%s: OK\n%s", def.Name, constitution.Describe(def))
	return 0
}

func runEvaluate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	defPath := fs.String("definition", "", "constitution definition file")
	snapPath := fs.String("snapshot", "", "portfolio snapshot file (JSON)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *defPath == "" || *snapPath == "" {
		_, _ = fmt.Fprintln(stderr, "evaluate: -definition and -snapshot are required")
		return 2
	}

	ctx := context.Background()
	svc, cleanup, err := buildService(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "evaluate:", err)
		return 1
	}
	defer cleanup()

	snapData, err := os.ReadFile(*snapPath)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "evaluate:", err)
		return 1
	}
	var snap contracts.Snapshot
	if err := json.Unmarshal(snapData, &snap); err != nil {
		_, _ = fmt.Fprintln(stderr, "evaluate: parse snapshot:", err)
		return 1
	}

	defData, err := os.ReadFile(*defPath)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "evaluate:", err)
		return 1
	}
	draft, err := svc.CreateConstitution(ctx, snap.UserID, defData)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "evaluate:", err)
		return 1
	}
	if _, err := svc.ActivateConstitution(ctx, draft.ID, draft.Version); err != nil {
		_, _ = fmt.Fprintln(stderr, "evaluate:", err)
		return 1
	}

	eval, results, err := svc.Evaluate(ctx, draft.ID, &snap)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "evaluation failed, please retry:", err)
		return 1
	}
	printReport(stdout, eval, results)
	return 0
}

func runLatest(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("latest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	user := fs.String("user", "", "user id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *user == "" {
		_, _ = fmt.Fprintln(stderr, "latest: -user is required")
		return 2
	}

	ctx := context.Background()
	svc, cleanup, err := buildService(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "latest:", err)
		return 1
	}
	defer cleanup()

	eval, results, err := svc.GetLatestEvaluation(ctx, *user)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "latest:", err)
		return 1
	}
	printReport(stdout, eval, results)
	return 0
}

func runDrift(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("drift", flag.ContinueOnError)
	fs.SetOutput(stderr)
	user := fs.String("user", "", "user id")
	constVersion := fs.String("version", "", "constitution version")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *user == "" || *constVersion == "" {
		_, _ = fmt.Fprintln(stderr, "drift: -user and -version are required")
		return 2
	}

	ctx := context.Background()
	svc, cleanup, err := buildService(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "drift:", err)
		return 1
	}
	defer cleanup()

	drift, err := svc.Drift(ctx, *user, *constVersion)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "drift:", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(drift)
	return 0
}

// buildService opens stores per configuration and assembles the engine.
func buildService(ctx context.Context) (*engine.Service, func(), error) {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	provider, err := observability.InstallMeterProvider("covenant", version)
	if err != nil {
		return nil, nil, err
	}

	var (
		db  *sql.DB
		led *ledger.Ledger
	)
	if strings.HasPrefix(cfg.DatabaseURL, "postgres://") {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err == nil {
			led, err = ledger.NewPostgres(ctx, db)
		}
	} else {
		db, err = sql.Open("sqlite", cfg.DatabaseURL)
		if err == nil {
			led, err = ledger.NewSQLite(ctx, db)
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	cleanup := func() {
		_ = db.Close()
		_ = provider.Shutdown(context.Background())
	}

	registry := signals.NewRegistry()
	if err := signals.RegisterBuiltins(registry); err != nil {
		cleanup()
		return nil, nil, err
	}
	interp, err := interpreter.New(registry)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	constStore, err := constitution.NewStore(ctx, db)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	excMgr, err := exceptions.NewManager(ctx, db, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	metrics, err := observability.NewMetrics()
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	var locks engine.Locker
	if cfg.RedisAddr != "" {
		locks = engine.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 0)
	}

	tagStore := tags.NewStore()
	svc, err := engine.New(engine.Options{
		Logger:          logger,
		Registry:        registry,
		Interpreter:     interp,
		Tags:            tags.NewResolver(tagStore),
		Constitutions:   constStore,
		Exceptions:      excMgr,
		Ledger:          led,
		Locks:           locks,
		Metrics:         metrics,
		Workers:         cfg.SignalWorkers,
		IncludeInferred: cfg.IncludeInferred,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return svc, cleanup, nil
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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func printReport(w io.Writer, eval *contracts.Evaluation, results []contracts.RuleResult) {
	_, _ = fmt.Fprintf(w, "evaluation %s (seq %d)\n", eval.ID, eval.Seq)
	_, _ = fmt.Fprintf(w, "constitution %s@%s  snapshot %s\n", eval.ConstitutionID, eval.ConstitutionVersion, eval.SnapshotRef)
	_, _ = fmt.Fprintf(w, "overall score: %.2f\n\n", eval.OverallScore)
	for _, res := range results {
		marker := ""
		if res.ExceptionApplied {
			marker = " (exception applied)"
		}
		reason := ""
		if res.Reason != "" {
			reason = "  " + res.Reason
		}
		_, _ = fmt.Fprintf(w, "  %-5s %s%s%s\n", res.Status, res.RuleID, marker, reason)
	}
}
