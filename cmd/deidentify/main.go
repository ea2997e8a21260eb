package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/cache"
	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/deid"
	"github.com/raaihank/phi-sentinel/internal/logger"
	"github.com/raaihank/phi-sentinel/internal/mapping"
	"github.com/raaihank/phi-sentinel/internal/report"
	"github.com/raaihank/phi-sentinel/internal/rules"
	"github.com/raaihank/phi-sentinel/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "configs/default.yaml", "Configuration file path")
		tables     = flag.String("tables", "", "Comma-separated tables to de-identify (default: output.tables or all)")
		write      = flag.Bool("write", false, "Write de-identified tables to output.schema")
		reportDir  = flag.String("report-dir", "", "Directory for the CSV run report (default: output.report_dir)")
		exportDir  = flag.String("export-dir", "", "Directory for master mapping exports (default: mapping.export_dir)")
		watch      = flag.Bool("watch", false, "Re-run whenever the configuration file changes")
		clearCache = flag.Bool("clear-cache", false, "Remove cached master mappings before running")
		mappingIn  = flag.String("mapping-in", "", "Comma-separated kind=file master mappings to import instead of building (e.g. patient=patient_mapping.csv)")
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

	overrides := func(c *config.Config) {
		if list := splitList(*tables); len(list) > 0 {
			c.Output.Tables = list
		}
		if *write {
			c.Output.WriteTables = true
		}
		if *reportDir != "" {
			c.Output.ReportDir = *reportDir
		}
		if *exportDir != "" {
			c.Mapping.ExportDir = *exportDir
		}
	}
	overrides(cfg)

	imports, err := parseMappingInputs(*mappingIn)
	if err != nil {
		log.Fatal("Invalid -mapping-in", zap.Error(err))
	}

	if *clearCache {
		if err := clearMappingCache(ctx, cfg, log); err != nil {
			log.Fatal("Failed to clear mapping cache", zap.Error(err))
		}
	}

	runErr := run(ctx, cfg, imports, log)
	if !*watch {
		if runErr != nil {
			log.Error("De-identification run failed", zap.Error(runErr))
			os.Exit(1)
		}
		return
	}

	reloads := make(chan *config.Config, 1)
	if err := config.Watch(log.Logger, func(c *config.Config) {
		select {
		case reloads <- c:
		default:
			// a reload is already pending
		}
	}); err != nil {
		log.Fatal("Failed to watch configuration", zap.Error(err))
	}
	log.Info("Watching configuration for changes", zap.String("config", *configPath))

	for {
		select {
		case <-ctx.Done():
			log.Info("Shutting down")
			return
		case c := <-reloads:
			overrides(c)
			if err := run(ctx, c, imports, log); err != nil {
				log.Error("De-identification run failed", zap.Error(err))
			}
		}
	}
}

// run performs one complete de-identification pass. Masters whose kind has an
// entry in imports are read from that file instead of being built.
func run(ctx context.Context, cfg *config.Config, imports map[mapping.Kind]string, log *logger.Logger) error {
	db := store.NewPostgres(cfg.Database, log.WithComponent("store").Logger)
	log.Info("Connecting to database", zap.String("url", store.MaskDatabaseURL(cfg.Database.DatabaseURL)))
	if err := db.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Disconnect()

	engine := rules.Load(cfg.Rules, log.WithComponent("rules").Logger)
	registry := mapping.NewRegistry(db, cfg.Mapping.Options, log.WithComponent("mapping").Logger)
	d := deid.NewDeidentifier(db, engine, registry, log.WithComponent("deid").Logger)
	runLog := log.WithRunID(d.RunID())

	if cfg.Output.WriteTables {
		d.SetSink(db, cfg.Output.Schema)
	}

	var mappingCache *cache.MappingCache
	if cfg.Mapping.Cache.Enabled {
		c, err := cache.NewMappingCache(&cfg.Mapping.Cache, log.WithComponent("cache").Logger)
		if err != nil {
			runLog.Warn("Mapping cache unavailable", zap.Error(err))
		} else {
			mappingCache = c
			defer mappingCache.Close()
		}
	}

	runLog.Info("Starting de-identification run", zap.Int("rules", len(engine.Rules())))

	var (
		results []*deid.TableResult
		errs    error
	)

	mapped := make(map[string]bool)
	for _, m := range cfg.Mapping.Masters {
		tableResults, err := processMaster(ctx, d, m, mappingCache, cfg.Mapping, imports[m.Kind], runLog)
		results = append(results, tableResults...)
		for _, r := range tableResults {
			mapped[r.Table] = true
		}
		errs = multierr.Append(errs, err)
	}

	if err := d.ProcessMappingTables(ctx, cfg.Mapping.JoinTables); err != nil {
		errs = multierr.Append(errs, err)
	}

	tables := cfg.Output.Tables
	if len(tables) == 0 {
		all, err := db.GetTables(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to list tables: %w", err))
		}
		tables = all
	}
	if cfg.Output.WriteTables {
		for _, t := range tables {
			if mapped[t] {
				runLog.Warn("Rule output replaces master-mapped output", zap.String("table", t))
			}
		}
	}

	tableResults, err := d.ProcessTables(ctx, tables)
	results = append(results, tableResults...)
	errs = multierr.Append(errs, err)

	rep := report.NewRun(d, results, multierr.Errors(errs))
	if cfg.Output.ReportDir != "" {
		path := filepath.Join(cfg.Output.ReportDir, report.DefaultFilename(rep))
		if err := report.WriteFile(path, rep); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			runLog.Info("Report written", zap.String("file", path))
		}
	}

	if mappingCache != nil {
		if cs, err := mappingCache.GetStats(ctx); err == nil {
			runLog.Info("Mapping cache stats",
				zap.Int64("keys", cs.TotalKeys),
				zap.Int64("hits", cs.Hits),
				zap.Int64("misses", cs.Misses))
		}
	}

	stats := d.Statistics()
	runLog.Info("De-identification run finished",
		zap.String("status", string(rep.Status)),
		zap.Int64("tables", stats.TablesProcessed),
		zap.Int64("total_records", stats.TotalRecords),
		zap.Int64("modified_records", stats.ModifiedRecords),
		zap.Int("errors", len(rep.Errors)))

	return errs
}

// processMaster builds or imports one master mapping, persists it, and applies
// it to its source table and every table listed in ApplyTo. A cached mapping
// stands in when building fails.
func processMaster(ctx context.Context, d *deid.Deidentifier, m config.MasterConfig, mc *cache.MappingCache, cfg config.MappingConfig, importPath string, log *logger.Logger) ([]*deid.TableResult, error) {
	var (
		master *mapping.MasterMapping
		err    error
	)
	if importPath != "" {
		master, err = d.ImportMasterMapping(importPath, m.Kind, m.Table, m.IDField)
	} else {
		var fallback deid.MappingLoader
		if mc != nil {
			fallback = mc
		}
		master, err = d.BuildMasterMapping(ctx, m.Kind, m.Table, m.IDField, m.Format, fallback)
	}
	if err != nil {
		return nil, fmt.Errorf("%s master mapping: %w", m.Kind, err)
	}

	var errs error
	if mc != nil {
		if err := mc.SaveMapping(ctx, master); err != nil {
			log.Warn("Failed to cache master mapping", zap.String("kind", string(m.Kind)), zap.Error(err))
		}
	}
	if cfg.ExportDir != "" {
		path := filepath.Join(cfg.ExportDir, fmt.Sprintf("%s_mapping.%s", m.Kind, cfg.ExportFormat))
		if err := mapping.Export(path, master); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			log.Info("Master mapping exported", zap.String("kind", string(m.Kind)), zap.String("file", path))
		}
	}

	var results []*deid.TableResult
	for _, table := range append([]string{m.Table}, m.ApplyTo...) {
		result, err := d.ApplyMasterMapping(ctx, m.Kind, table, m.IDField)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("apply %s mapping to %s: %w", m.Kind, table, err))
		}
		if result != nil {
			results = append(results, result)
		}
	}
	return results, errs
}

func clearMappingCache(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	if !cfg.Mapping.Cache.Enabled {
		log.Warn("Mapping cache is disabled, nothing to clear")
		return nil
	}
	mc, err := cache.NewMappingCache(&cfg.Mapping.Cache, log.WithComponent("cache").Logger)
	if err != nil {
		return err
	}
	defer mc.Close()
	return mc.Clear(ctx)
}

// parseMappingInputs parses kind=file pairs
func parseMappingInputs(s string) (map[mapping.Kind]string, error) {
	imports := make(map[mapping.Kind]string)
	for _, pair := range splitList(s) {
		kind, path, ok := strings.Cut(pair, "=")
		kind, path = strings.TrimSpace(kind), strings.TrimSpace(path)
		if !ok || path == "" {
			return nil, fmt.Errorf("expected kind=file, got %q", pair)
		}
		switch k := mapping.Kind(kind); k {
		case mapping.KindPatient, mapping.KindEncounter:
			imports[k] = path
		default:
			return nil, fmt.Errorf("unknown mapping kind %q", kind)
		}
	}
	return imports, nil
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
