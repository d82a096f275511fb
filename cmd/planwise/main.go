// planwise is the on-demand replicated storage tier for tenant CRM data.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/planwise/planwise/internal/api"
	"github.com/planwise/planwise/internal/bulk"
	"github.com/planwise/planwise/internal/config"
	"github.com/planwise/planwise/internal/contact"
	"github.com/planwise/planwise/internal/durable"
	"github.com/planwise/planwise/internal/lock"
	"github.com/planwise/planwise/internal/metrics"
	"github.com/planwise/planwise/internal/registry"
	"github.com/planwise/planwise/internal/replica"
	"github.com/planwise/planwise/internal/router"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile    string
	logLevel   string
	bulkPolicy string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "planwise",
		Short: "Planwise - on-demand replicated tenant storage",
		Long: `Planwise serves each tenant's CRM database from a local SQLite file that
is hydrated on demand from durable object storage, continuously replicated
while resident, and evicted after an idle period.

Start a server:

  planwise serve -c /etc/planwise/config.yaml

Import contacts without a running server:

  planwise import acme contacts.csv --policy skip`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides config)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the storage tier server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	importCmd := &cobra.Command{
		Use:   "import <tenant> <csv-file>",
		Short: "Bulk import a CSV of contacts for a tenant",
		Long: `Import merges the CSV into the tenant's dataset and publishes the result
as a new generation. The first CSV line names the columns; common synonyms
(e.g. "Last Name", "surname") are accepted.`,
		Args: cobra.ExactArgs(2),
		RunE: runImport,
	}
	importCmd.Flags().StringVar(&bulkPolicy, "policy", "skip", "duplicate policy: overwrite or skip")
	rootCmd.AddCommand(importCmd)

	tenantCmd := &cobra.Command{
		Use:   "tenant",
		Short: "Tenant administration",
	}
	tenantCmd.AddCommand(&cobra.Command{
		Use:   "architecture <tenant> [tier]",
		Short: "Show or flip a tenant's storage tier (legacy or replicated)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runTenantArchitecture,
	})
	tenantCmd.AddCommand(&cobra.Command{
		Use:   "generation <tenant>",
		Short: "Show a tenant's current dataset generation",
		Args:  cobra.ExactArgs(1),
		RunE:  runTenantGeneration,
	})
	rootCmd.AddCommand(tenantCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("planwise %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.ServerConfig, error) {
	cfg := config.DefaultServerConfig()
	if cfgFile != "" {
		var err error
		cfg, err = config.LoadServerConfig(cfgFile)
		if err != nil {
			return nil, err
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.ServerConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func newStore(ctx context.Context, cfg *config.ServerConfig) (durable.Store, error) {
	switch cfg.Durable.Backend {
	case "fs":
		return durable.NewFSStore(cfg.Durable.FS.Root)
	case "s3":
		return durable.NewS3Store(ctx, durable.S3Config{
			Bucket:    cfg.Durable.S3.Bucket,
			Prefix:    cfg.Durable.S3.Prefix,
			Region:    cfg.Durable.S3.Region,
			Endpoint:  cfg.Durable.S3.Endpoint,
			AccessKey: os.Getenv(cfg.Durable.S3.AccessKeyEnv),
			SecretKey: os.Getenv(cfg.Durable.S3.SecretKeyEnv),
			PathStyle: cfg.Durable.S3.ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown durable backend %q", cfg.Durable.Backend)
	}
}

// stack is the wired storage tier shared by serve and the offline commands.
type stack struct {
	store    durable.Store
	registry *registry.Registry
	pipeline *bulk.Pipeline
	router   *router.Router
}

func buildStack(ctx context.Context, cfg *config.ServerConfig, m *metrics.StorageMetrics) (*stack, error) {
	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create durable store: %w", err)
	}

	sup, err := replica.NewSupervisor(replica.Config{
		Store:           store,
		ScratchDir:      cfg.ScratchDir(),
		Logger:          log.Logger,
		Metrics:         m,
		SyncInterval:    config.Duration(cfg.Replication.SyncInterval, time.Second),
		CheckpointBytes: cfg.CheckpointBytes(),
		RestoreAttempts: cfg.Replication.RestoreAttempts,
		RestoreBackoff:  config.Duration(cfg.Replication.RestoreBackoff, 500*time.Millisecond),
		UploadRateBytes: cfg.UploadRateBytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("create replication supervisor: %w", err)
	}

	reg, err := registry.New(registry.Config{
		Supervisor:     sup,
		ScratchDir:     cfg.ScratchDir(),
		Logger:         log.Logger,
		Metrics:        m,
		IdleAfter:      config.Duration(cfg.Registry.IdleAfter, 15*time.Minute),
		SweepInterval:  config.Duration(cfg.Registry.SweepInterval, time.Minute),
		RestoreTimeout: config.Duration(cfg.Registry.RestoreTimeout, 2*time.Minute),
	})
	if err != nil {
		return nil, fmt.Errorf("create tenant registry: %w", err)
	}

	pipeline, err := bulk.New(bulk.Config{
		Supervisor:      sup,
		Registry:        reg,
		Locks:           lock.NewManager(store, log.Logger),
		WorkDir:         cfg.BulkWorkDir(),
		Logger:          log.Logger,
		Metrics:         m,
		LeaseDuration:   config.Duration(cfg.Bulk.LeaseDuration, 5*time.Minute),
		PublishAttempts: cfg.Bulk.PublishAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("create bulk pipeline: %w", err)
	}

	rt, err := router.New(router.Config{
		Store:      store,
		Replicated: router.Replicated{Registry: reg, Pipeline: pipeline},
		Logger:     log.Logger,
		CacheTTL:   config.Duration(cfg.Router.CacheTTL, 30*time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("create architecture router: %w", err)
	}

	return &stack{store: store, registry: reg, pipeline: pipeline, router: rt}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(metrics.Registry)
	st, err := buildStack(ctx, cfg, m)
	if err != nil {
		return err
	}

	srv, err := api.NewServer(api.Config{
		Router:    st.router,
		Logger:    log.Logger,
		AuthToken: cfg.AuthToken,
		Gatherer:  metrics.Registry,
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go st.registry.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("version", Version).
		Str("listen", cfg.Listen).
		Str("backend", cfg.Durable.Backend).
		Msg("Planwise storage tier starting")

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	// Flush and tear down every resident tenant before exiting.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.registry.Close(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Registry shutdown incomplete")
	}
	log.Info().Msg("Planwise storage tier stopped")
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	tenantID, csvPath := args[0], args[1]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	rows, err := readCSVRows(csvPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := buildStack(ctx, cfg, metrics.New(metrics.Registry))
	if err != nil {
		return err
	}
	defer st.registry.Close(ctx)

	res, err := st.pipeline.Replace(ctx, tenantID, rows, bulk.Policy(bulkPolicy))
	if err != nil {
		return err
	}

	fmt.Printf("Imported into %s (generation %s)\n", tenantID, res.Generation)
	fmt.Printf("  Added:   %d\n", res.Added)
	fmt.Printf("  Skipped: %d\n", res.Skipped)
	fmt.Printf("  Total:   %d\n", res.Total)
	for _, re := range res.RowErrors {
		fmt.Printf("  row %d: %s\n", re.Index+1, re.Reason)
	}
	return nil
}

// readCSVRows reads a header-first CSV into raw import rows.
func readCSVRows(path string) ([]contact.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	var rows []contact.Row
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, csv.ErrFieldCount) {
				continue
			}
			return nil, fmt.Errorf("read csv: %w", err)
		}
		row := make(contact.Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func runTenantArchitecture(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx := context.Background()
	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	// Flag administration only needs the flags document, not a live stack.
	rt, err := router.New(router.Config{
		Store:      store,
		Replicated: router.Replicated{},
		Logger:     log.Logger,
	})
	if err != nil {
		return err
	}

	tenantID := args[0]
	if len(args) == 2 {
		if err := rt.SetArchitecture(ctx, tenantID, router.Tier(args[1])); err != nil {
			return err
		}
	}
	tier, err := rt.TenantArchitecture(ctx, tenantID)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", tenantID, tier)
	return nil
}

func runTenantGeneration(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx := context.Background()
	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}

	gen, _, err := durable.ReadGeneration(ctx, store, args[0])
	if errors.Is(err, durable.ErrNotFound) {
		fmt.Printf("%s: no generation published\n", args[0])
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", gen.TenantID, gen.GenerationID)
	fmt.Printf("  Created: %s\n", gen.CreatedAt.Format(time.RFC3339))
	fmt.Printf("  Rows:    %d\n", gen.RowCount)
	return nil
}
