package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"synthgen/internal/app"
	"synthgen/internal/config"
	"synthgen/internal/db"
	"synthgen/internal/domain"
	"synthgen/internal/engine"
	"synthgen/internal/migrate"
	"synthgen/internal/repo"
	"synthgen/internal/server"
)

var (
	settings config.Settings
	logger   *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "synthgen",
	Short: "Deterministic, versioned synthetic datasets",
	Long: `synthgen generates tabular datasets from declarative configs.
- Dataset: datasets/<name>/{dataset,schema,evolution}.yaml.
- Version: an immutable identifier; the same dataset and version always yield the same bytes.
- Run directory: runs/<name>/<version>/ holds data.csv, the reports and final_metadata.json, written last.
- Registry: registry/datasets.json lists every finalized version with its content and config hashes.
- Ledger: .synthgen/ledger.db records every run transition; view it with 'synthgen log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.LoadSettings(viper.GetViper())
		if err != nil {
			return err
		}
		l, err := app.NewLogger(os.Stderr, s.LogLevel, s.LogFormat)
		if err != nil {
			return err
		}
		settings, logger = s, l
		slog.SetDefault(l)
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SYNTHGEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "info", "log level (debug|info|warn|error)")
	flags.String("log-format", "json", "log format (json|text)")
	flags.Int("cardinality-cap", 10000, "distinct values tracked per column when profiling")
	for _, name := range []string{"workspace", "json", "log-level", "log-format", "cardinality-cap"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(registryCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <dataset>",
		Short: "Scaffold example configs for a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := engine.New(nil, settings, logger)
			written, err := e.Init(args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"dataset": args[0], "written": written})
			}
			if len(written) == 0 {
				fmt.Println("configs already present; nothing written")
			}
			for _, p := range written {
				fmt.Println("wrote", p)
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var opts engine.RunOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate, validate, evaluate, seal and register a version",
		Long:  "Runs the pipeline for one version. An existing sealed version with an unchanged config is replayed and checked instead; a changed config is rejected.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Run(ctx, opts)
				if err != nil {
					return describeFailure(res, err)
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Dataset, "dataset", "", "dataset name")
	cmd.Flags().StringVar(&opts.Version, "version", "", "version identifier (default: UTC timestamp)")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

func ingestCmd() *cobra.Command {
	var opts engine.IngestOptions
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Validate, evaluate, seal and register an external CSV as a version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Ingest(ctx, opts)
				if err != nil {
					return describeFailure(res, err)
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Dataset, "dataset", "", "dataset name")
	cmd.Flags().StringVar(&opts.Input, "input", "", "CSV file to ingest")
	cmd.Flags().StringVar(&opts.Version, "version", "", "version identifier (default: UTC timestamp)")
	_ = cmd.MarkFlagRequired("dataset")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func verifyCmd() *cobra.Command {
	var dataset, ver string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-hash a sealed version and compare it with its seal and registry entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Verify(ctx, dataset, ver)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(v); err != nil {
						return err
					}
				} else {
					tw := newTable()
					tw.AppendHeader(table.Row{"Dataset", "Version", "Content hash", "OK"})
					tw.AppendRow(table.Row{v.Dataset, v.Version, v.ContentHash, v.OK})
					tw.Render()
					for _, m := range v.Mismatches {
						fmt.Println("mismatch:", m)
					}
				}
				if !v.OK {
					return fmt.Errorf("%s/%s failed verification", dataset, ver)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dataset, "dataset", "", "dataset name")
	cmd.Flags().StringVar(&ver, "version", "", "version identifier")
	_ = cmd.MarkFlagRequired("dataset")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func registryCmd() *cobra.Command {
	reg := &cobra.Command{Use: "registry", Short: "Inspect the version registry"}
	reg.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			e := engine.New(nil, settings, logger)
			entries, err := e.Registry.List()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(entries)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Dataset", "Latest", "Versions"})
			for _, entry := range entries {
				tw.AppendRow(table.Row{entry.Dataset, entry.LatestVersion, len(entry.Versions)})
			}
			tw.Render()
			return nil
		},
	})
	reg.AddCommand(&cobra.Command{
		Use:   "show <dataset>",
		Short: "List the finalized versions of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := engine.New(nil, settings, logger)
			entry, err := e.Registry.Get(args[0])
			if err != nil {
				return fmt.Errorf("dataset %s: %w", args[0], err)
			}
			if viper.GetBool("json") {
				return printJSON(entry)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Version", "Content hash", "Config hash", "Finalized", "Run dir"})
			for _, v := range entry.Versions {
				tw.AppendRow(table.Row{v.Version, short(v.ContentHash), short(v.ConfigHash), v.FinalizedAt, v.RunDir})
			}
			tw.Render()
			return nil
		},
	})
	return reg
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Run ledger",
		Long:  "Every run transition, failure, replay and verification recorded in .synthgen/ledger.db.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Dataset", "Version", "Stage", "Payload"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.Dataset, ev.Version, ev.Stage, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Dataset, "dataset", "", "dataset filter")
	cmd.Flags().StringVar(&f.Version, "version", "", "version filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.RunID, "run-id", "", "run id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve finalized versions over a read-only HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: settings.JWTSecret, Logger: logger}
				if authCfg.JWTSecret == "" {
					logger.Warn("serving without authentication; set SYNTHGEN_JWT_SECRET to require bearer tokens")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving", "addr", addr, "base_path", basePath, "openapi", basePath+"/openapi.json", "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, err := db.Open(db.Config{Workspace: settings.Workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return fmt.Errorf("migrate ledger %s: %w", db.Path(settings.Workspace), err)
	}
	if v, err := migrate.Current(conn); err == nil {
		logger.Debug("ledger_ready", "path", db.Path(settings.Workspace), "schema_version", v)
	}
	return fn(ctx, engine.New(conn, settings, logger))
}

func printResult(res engine.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Dataset", "Version", "Mode", "State", "Rows", "Content hash"})
	tw.AppendRow(table.Row{res.Dataset, res.Version, res.Mode, res.State, res.Final.RowCount, res.Final.ContentHash})
	tw.Render()
	if res.Evaluation != nil && res.Evaluation.Drift != nil {
		d := res.Evaluation.Drift
		dt := newTable()
		dt.SetTitle("Drift vs " + d.PriorVersion)
		dt.AppendHeader(table.Row{"Column", "Status", "Exceeded"})
		for _, c := range d.Columns {
			dt.AppendRow(table.Row{c.Column, c.Status, strings.Join(c.Exceeded, ",")})
		}
		dt.Render()
	}
	for _, w := range res.Warnings {
		fmt.Println("warning:", w)
	}
	fmt.Println("run directory:", res.RunDir)
	return nil
}

// describeFailure prints the validation violations of a failed run before
// returning the error.
func describeFailure(res engine.Result, err error) error {
	var sv domain.SchemaViolationError
	if errors.As(err, &sv) {
		if viper.GetBool("json") {
			_ = printJSON(sv.Report)
		} else {
			for _, v := range sv.Report.Violations() {
				fmt.Fprintln(os.Stderr, "violation:", v)
			}
		}
	}
	if res.RunDir != "" {
		fmt.Fprintln(os.Stderr, "run directory (unsealed):", res.RunDir)
	}
	return err
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
