package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"busjourneys/pkg/bods"
	"busjourneys/pkg/collector"
	"busjourneys/pkg/config"
	"busjourneys/pkg/logging"
	"busjourneys/pkg/loki"
	"busjourneys/pkg/metrics"
	"busjourneys/pkg/pipeline"
	"busjourneys/pkg/profiling"
	"busjourneys/pkg/publish"
	"busjourneys/pkg/report"
	"busjourneys/pkg/store"
	"busjourneys/pkg/tracing"
)

const dateLayout = "2006-01-02"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Bus journey reconstruction from BODS SIRI-VM location pings.\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  collect            Poll the BODS feed and store location pings\n")
	fmt.Fprintf(os.Stderr, "  process-all        Summarise every stored day\n")
	fmt.Fprintf(os.Stderr, "  process-yesterday  Summarise yesterday (UTC)\n")
	fmt.Fprintf(os.Stderr, "  process-range      Summarise --from to --to (dates or RFC 3339 times)\n")
	fmt.Fprintf(os.Stderr, "  report             Build and publish the rolling report\n")
	fmt.Fprintf(os.Stderr, "  archive            Write a day's journey summaries to Parquet\n")
	fmt.Fprintf(os.Stderr, "  migrate            Create the database schema\n")
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  DATABASE_URL       - PostgreSQL connection string\n")
	fmt.Fprintf(os.Stderr, "  BODS_API_KEY       - Your BODS API key (collect)\n")
	fmt.Fprintf(os.Stderr, "  BODS_OPERATOR_REF  - Operator references, comma-separated (default: FBRI)\n")
	fmt.Fprintf(os.Stderr, "  BODS_INTERVAL      - Polling interval (default: 30s)\n")
	fmt.Fprintf(os.Stderr, "  CHUNK_HOURS        - Hours per processing chunk, dividing 24 (default: 1)\n")
	fmt.Fprintf(os.Stderr, "  WORKERS            - Days processed concurrently (default: 4)\n")
	fmt.Fprintf(os.Stderr, "  CONFLICT_POLICY    - keep-existing, reject or prefer-more-pings\n")
	fmt.Fprintf(os.Stderr, "  S3_BUCKET          - Report bucket; S3_ENDPOINT, S3_REGION and S3_ACCESS_KEY_ID/S3_SECRET_ACCESS_KEY configure access\n")
	fmt.Fprintf(os.Stderr, "  REDIS_URL          - Redis to cache and announce the latest report\n")
	fmt.Fprintf(os.Stderr, "  LOKI_URL           - Loki to stream journey summaries to (LOKI_USER, LOKI_PASSWORD)\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s migrate\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s collect --operators=FBRI,SCGL\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s process-range --from=2024-05-01 --to=2024-05-08 --workers=8\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s report --dry-run\n\n", os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	command, args := os.Args[1], os.Args[2:]
	if command == "-h" || command == "--help" || command == "help" {
		usage()
		return
	}

	logging.InitLogging()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	shutdownTracing, err := tracing.InitTracing()
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer shutdownTracing()

	shutdownMetrics, err := metrics.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	defer shutdownMetrics()

	shutdownProfiling, err := profiling.InitProfiling(command)
	if err != nil {
		log.Fatalf("Failed to initialize profiling: %v", err)
	}
	defer shutdownProfiling()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "collect":
		err = runCollect(ctx, cfg, args)
	case "process-all":
		err = runProcess(ctx, cfg, command, args)
	case "process-yesterday":
		err = runProcess(ctx, cfg, command, args)
	case "process-range":
		err = runProcess(ctx, cfg, command, args)
	case "report":
		err = runReport(ctx, cfg, args)
	case "archive":
		err = runArchive(ctx, cfg, args)
	case "migrate":
		err = runMigrate(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		usage()
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("%s failed: %v", command, err)
	}
	slog.Info("Done", "command", command)
}

func openStore(ctx context.Context, cfg *config.Config) *store.Postgres {
	db, err := store.NewPostgres(ctx, cfg.Database.URL, int32(cfg.Database.MaxConns), cfg.Pipeline.ConflictPolicy)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return db
}

func runMigrate(ctx context.Context, cfg *config.Config) error {
	db := openStore(ctx, cfg)
	defer db.Close()
	return db.Migrate(ctx)
}

func runCollect(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("collect", flag.ExitOnError)
	apiKey := fs.String("api-key", cfg.BODS.APIKey, "BODS API key (required)")
	interval := fs.Duration("interval", cfg.BODS.Interval, "Polling interval")
	operators := fs.String("operators", "", "Operator references, comma-separated (overrides BODS_OPERATOR_REF)")
	fs.Parse(args)

	if *apiKey == "" {
		fmt.Fprintf(os.Stderr, "Error: API key is required. Use --api-key or set BODS_API_KEY environment variable.\n\n")
		fs.Usage()
		os.Exit(1)
	}
	operatorRefs := cfg.BODS.OperatorRefs
	if *operators != "" {
		operatorRefs = config.SplitList(*operators)
	}

	db := openStore(ctx, cfg)
	defer db.Close()

	c, err := collector.New(collector.Config{
		OperatorRefs: operatorRefs,
		Interval:     *interval,
	}, bods.NewClient(*apiKey), db)
	if err != nil {
		return fmt.Errorf("failed to create collector: %w", err)
	}

	slog.Info("Starting collector", "operators", operatorRefs, "interval", *interval)
	return c.Run(ctx)
}

func runProcess(ctx context.Context, cfg *config.Config, command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	chunkHours := fs.Int("chunk-hours", cfg.Pipeline.ChunkHours, "Hours per chunk, dividing 24")
	workers := fs.Int("workers", cfg.Pipeline.Workers, "Days processed concurrently")
	policy := fs.String("conflict-policy", string(cfg.Pipeline.ConflictPolicy), "keep-existing, reject or prefer-more-pings")
	from := fs.String("from", "", "Range start, date or RFC 3339 time (process-range)")
	to := fs.String("to", "", "Range end, exclusive (process-range)")
	fs.Parse(args)

	conflictPolicy, err := store.ParseConflictPolicy(*policy)
	if err != nil {
		return err
	}
	cfg.Pipeline.ConflictPolicy = conflictPolicy
	cfg.Pipeline.ChunkHours = *chunkHours

	db := openStore(ctx, cfg)
	defer db.Close()

	pcfg := pipeline.Config{
		ChunkSize:     cfg.Pipeline.ChunkSize(),
		Workers:       *workers,
		MinPings:      cfg.Pipeline.MinPings,
		StationaryMPH: cfg.Pipeline.StationaryMPH,
	}
	if cfg.Loki.URL != "" {
		pcfg.Stream = loki.NewClient(cfg.Loki.URL, cfg.Loki.User, cfg.Loki.Password)
	}

	p, err := pipeline.New(pcfg, db, db)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	started := time.Now()
	var results []pipeline.ChunkResult
	switch command {
	case "process-all":
		results, err = p.ProcessAll(ctx, pipeline.StartOfDay(time.Now()))
	case "process-yesterday":
		results, err = p.ProcessDay(ctx, time.Now().UTC().AddDate(0, 0, -1))
	case "process-range":
		var start, end time.Time
		if start, err = parseTimeFlag("from", *from); err != nil {
			return err
		}
		if end, err = parseTimeFlag("to", *to); err != nil {
			return err
		}
		results, err = p.ProcessRange(ctx, start, end)
	}
	if err != nil {
		return err
	}

	totals := pipeline.Totals(results)
	slog.Info("Processing complete",
		"chunks", len(results),
		"fetched", totals.Fetched,
		"skipped", totals.Skipped,
		"duplicates", totals.Duplicates,
		"journeys", totals.Journeys,
		"inserted", totals.Inserted,
		"replaced", totals.Replaced,
		"conflicts", len(totals.Conflicts),
		"duration", time.Since(started),
	)
	metrics.RecordLastSuccessTimestamp()
	return nil
}

// parseTimeFlag accepts a date (midnight UTC) or an RFC 3339 time.
func parseTimeFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("--%s is required", name)
	}
	if t, err := time.Parse(dateLayout, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q: want YYYY-MM-DD or RFC 3339", name, value)
	}
	return t.UTC(), nil
}

func objectStore(cfg *config.Config) publish.ObjectAPI {
	client := publish.NewS3Client(publish.S3Config{
		Endpoint:        cfg.S3.Endpoint,
		Region:          cfg.S3.Region,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
	})
	if client == nil {
		return nil
	}
	return client
}

func runReport(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "Print the report to stdout instead of publishing it")
	detailedDays := fs.Int("detailed-days", cfg.Report.DetailedDays, "Days of per-hour rows")
	summaryDays := fs.Int("summary-days", cfg.Report.SummaryDays, "Days of hour-of-day rows")
	refDay := fs.String("day", "", "Report on the days before this date (default: today)")
	fs.Parse(args)

	ref := time.Now().UTC()
	if *refDay != "" {
		t, err := parseTimeFlag("day", *refDay)
		if err != nil {
			return err
		}
		ref = t
	}

	db := openStore(ctx, cfg)
	defer db.Close()

	r, err := report.NewBuilder(db).Build(ctx, ref, *detailedDays, *summaryDays)
	if err != nil {
		return err
	}

	if *dryRun {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	objects := objectStore(cfg)
	if objects == nil || cfg.S3.Bucket == "" {
		return fmt.Errorf("S3_BUCKET and S3 credentials are required to publish; use --dry-run to print")
	}

	var cache publish.Cache
	if cfg.Redis.URL != "" {
		client, err := publish.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			slog.Warn("Redis unavailable, publishing to S3 only", "error", err)
		} else {
			defer client.Close()
			cache = client
		}
	}

	return publish.NewPublisher(objects, cfg.S3.Bucket, cache).Publish(ctx, r)
}

func runArchive(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	day := fs.String("day", "", "Day to archive (default: yesterday)")
	fs.Parse(args)

	target := time.Now().UTC().AddDate(0, 0, -1)
	if *day != "" {
		t, err := parseTimeFlag("day", *day)
		if err != nil {
			return err
		}
		target = t
	}

	objects := objectStore(cfg)
	if objects == nil || cfg.S3.ArchiveBucket == "" {
		return fmt.Errorf("S3_ARCHIVE_BUCKET (or S3_BUCKET) and S3 credentials are required")
	}

	db := openStore(ctx, cfg)
	defer db.Close()

	n, err := publish.NewArchiver(objects, cfg.S3.ArchiveBucket, db).Archive(ctx, target)
	if err != nil {
		return err
	}
	slog.Info("Archive complete", "day", target.Format(dateLayout), "rows", n)
	return nil
}
