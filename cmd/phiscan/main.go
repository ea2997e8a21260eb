package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/logger"
	"github.com/raaihank/phi-sentinel/internal/phi"
	"github.com/raaihank/phi-sentinel/internal/plan"
	"github.com/raaihank/phi-sentinel/internal/recognizer"
	"github.com/raaihank/phi-sentinel/internal/store"
)

func main() {
	var (
		configPath   = flag.String("config", "configs/default.yaml", "Configuration file path")
		tables       = flag.String("tables", "", "Comma-separated tables to analyze (default: profiling.tables or all)")
		columns      = flag.String("columns", "", "Comma-separated columns to analyze (default: all text columns)")
		planOut      = flag.String("plan-out", "", "Write de-identification plans to this YAML file")
		planIn       = flag.String("plan-in", "", "Read plans from this YAML file instead of analyzing")
		execute      = flag.Bool("execute", false, "Execute plans, creating de-identified tables")
		targetSchema = flag.String("target-schema", "", "Schema for de-identified tables (default: plan.target_schema)")
		replace      = flag.Bool("replace", false, "Drop existing de-identified tables first")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   &logger.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db := store.NewPostgres(cfg.Database, log.WithComponent("store").Logger)
	log.Info("Connecting to database", zap.String("url", store.MaskDatabaseURL(cfg.Database.DatabaseURL)))
	if err := db.Connect(ctx); err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Disconnect()

	var plans []*plan.Plan
	if *planIn != "" {
		plans, err = plan.LoadFile(*planIn)
		if err != nil {
			log.Fatal("Failed to load plans", zap.Error(err))
		}
		log.Info("Plans loaded", zap.String("file", *planIn), zap.Int("plans", len(plans)))
	} else {
		plans, err = analyze(ctx, cfg, db, log, splitList(*tables), splitList(*columns))
		if err != nil {
			log.Fatal("Analysis failed", zap.Error(err))
		}
	}

	if *planOut != "" {
		if err := plan.SaveFile(*planOut, plans); err != nil {
			log.Fatal("Failed to save plans", zap.Error(err))
		}
		log.Info("Plans saved", zap.String("file", *planOut), zap.Int("plans", len(plans)))
	}

	if !*execute {
		if *planOut == "" {
			printJSON(plans)
		}
		return
	}

	schema := *targetSchema
	if schema == "" {
		schema = cfg.Plan.TargetSchema
	}
	executor := plan.NewExecutor(db, *replace || cfg.Plan.Replace, log.WithComponent("executor").Logger)

	results := make([]*plan.Result, 0, len(plans))
	failed := 0
	for _, p := range plans {
		result, err := executor.Execute(ctx, p, schema)
		if err != nil {
			failed++
		}
		results = append(results, result)
	}
	printJSON(results)

	if failed > 0 {
		log.Error("Some plans failed", zap.Int("failed", failed), zap.Int("total", len(plans)))
		os.Exit(1)
	}
}

func analyze(ctx context.Context, cfg *config.Config, db *store.Postgres, log *logger.Logger, tables, columns []string) ([]*plan.Plan, error) {
	detector, err := phi.NewDefaultDetector(log.WithComponent("detector").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}

	var rec phi.Recognizer
	if cfg.Detection.Recognizer.Enabled {
		r, err := recognizer.New(cfg.Detection.Recognizer, log.WithComponent("recognizer").Logger)
		if err != nil {
			log.Warn("Recognizer disabled", zap.Error(err))
		} else {
			rec = r
		}
	}

	engine := phi.NewEngine(detector, rec, log.WithComponent("engine").Logger)
	profiler := phi.NewProfiler(engine, log.WithComponent("profiler").Logger)
	analyzer := plan.NewAnalyzer(db, profiler, cfg.Profiling.SampleSize, log.WithComponent("analyzer").Logger)

	if len(tables) == 0 {
		tables = cfg.Profiling.Tables
	}
	if len(tables) == 0 {
		tables, err = db.GetTables(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list tables: %w", err)
		}
	}
	if len(columns) == 0 {
		columns = cfg.Profiling.Columns
	}

	plans := make([]*plan.Plan, 0, len(tables))
	for _, table := range tables {
		analysis, err := analyzer.AnalyzeTable(ctx, table, columns)
		if err != nil {
			log.Error("Table analysis failed", zap.String("table", table), zap.Error(err))
			continue
		}
		p := plan.Build(analysis)
		log.Info("Plan built", zap.String("table", table), zap.Int("columns", len(p.Columns)))
		plans = append(plans, p)
	}
	return plans, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode output: %v\n", err)
	}
}
