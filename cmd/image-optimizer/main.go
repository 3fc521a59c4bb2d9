package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"image-optimizer-go/internal/batch"
	"image-optimizer-go/internal/compressor"
	"image-optimizer-go/internal/config"
	"image-optimizer-go/internal/inventory"
	"image-optimizer-go/internal/logger"
	"image-optimizer-go/internal/processor"
	"image-optimizer-go/internal/quality"
	"image-optimizer-go/internal/statistics"
	"image-optimizer-go/internal/store"
	"image-optimizer-go/internal/upload"
	"image-optimizer-go/internal/web"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	libraryDir   string
	verbose      bool
	quiet        bool
	port         int
	resume       bool
	showFailures bool
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "image-optimizer",
	Short: "Recompress stored JPEG and PNG images to save space",
	Long: `ImageOptimizer recompresses JPEG and PNG images in a library directory.
Larger files are encoded at a lower quality, bounded by the configured
minimum and maximum, and the running savings are kept in a durable store.

Features:
- Optimization of new uploads with a one-time savings notice
- Resumable bulk job advanced one image per step
- Progress and failure reporting
- Redis, SQLite or in-memory state store
- Web API with live progress over WebSocket`,
	SilenceUsage: true,
}

// serveCmd starts the web API server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web API server",
	Long: `Starts the HTTP API. Clients upload images, initialize the bulk job and
drive it by calling the step endpoint repeatedly; progress is also pushed
to WebSocket clients on /ws.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// initCmd enumerates candidates and resets the bulk job.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the bulk job with all unoptimized images",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			res, err := a.runner.Init(ctx)
			if err != nil {
				return fmt.Errorf("init failed: %w", err)
			}
			if res.AlreadyOptimized {
				fmt.Println("All images are already optimized")
				return nil
			}
			fmt.Printf("Bulk job %s initialized with %d images\n", res.JobID, res.Total)
			return nil
		})
	},
}

// stepCmd processes a single pending image.
var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Process the next image of the bulk job",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			res, err := a.runner.Step(ctx)
			if err != nil {
				return fmt.Errorf("step failed: %w", err)
			}
			printStep(res)
			return nil
		})
	},
}

// runCmd drives the bulk job to completion.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Initialize the bulk job and process every image",
	Long: `Initializes a fresh bulk job and steps through it until done.
Interrupting the command leaves the job resumable with --resume.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withApp(ctx, func(ctx context.Context, a *app) error {
			if !resume {
				res, err := a.runner.Init(ctx)
				if err != nil {
					return fmt.Errorf("init failed: %w", err)
				}
				if res.AlreadyOptimized {
					fmt.Println("All images are already optimized")
					return nil
				}
			}

			if _, err := a.runner.Run(ctx, printStep); err != nil {
				return fmt.Errorf("bulk run stopped: %w", err)
			}

			if !quiet {
				sum, err := a.stats.Summary(ctx)
				if err != nil {
					return err
				}
				fmt.Println("\n" + sum.String())
			}
			return nil
		})
	},
}

// progressCmd shows the bulk job progress.
var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Show bulk job progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			p, err := a.reporter.Report(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s [%s] %d/%d (%d%%), %d skipped\n",
				p.Status, p.State, p.Processed, p.Total, p.Percentage, p.Skipped)

			if !showFailures {
				return nil
			}
			failures, err := a.reporter.Failures(ctx)
			if err != nil {
				return err
			}
			for _, f := range failures {
				fmt.Printf("  %s  %s: %s\n", f.At.Format(time.RFC3339), f.ItemID, f.Reason)
			}
			return nil
		})
	},
}

// statsCmd prints the compression statistics.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show compression statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			sum, err := a.stats.Summary(ctx)
			if err != nil {
				return err
			}
			fmt.Println(sum.String())
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&libraryDir, "library", "", "library root directory (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	serveCmd.Flags().IntVar(&port, "port", 0, "port to run web server on (default from config)")
	runCmd.Flags().BoolVar(&resume, "resume", false, "continue the existing bulk job instead of starting over")
	progressCmd.Flags().BoolVar(&showFailures, "failures", false, "list skipped images")

	rootCmd.AddCommand(serveCmd, initCmd, stepCmd, runCmd, progressCmd, statsCmd)
}

// app holds the wired services.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	store    store.Store
	runner   *batch.Runner
	reporter *batch.Reporter
	stats    *statistics.Accumulator
	uploads  *upload.Hook
}

func newApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}

	inv, err := inventory.NewFilesystem(cfg.Library.RootDirectory, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	var copier compressor.MetadataCopier
	if cfg.Compression.PreserveMetadata {
		copier = compressor.NewExiftoolCopier(cfg.Compression.SoftwareTag)
	}
	loader := compressor.NewImagingLoader(copier, log)

	stats := statistics.NewAccumulator(st)
	proc := processor.New(loader, quality.NewPolicy(cfg.Quality.Min, cfg.Quality.Max), stats, inv, st, log)

	return &app{
		cfg:   cfg,
		log:   log,
		store: st,
		runner: batch.NewRunner(st, inv, proc, batch.Options{
			MediaTypes: cfg.Library.MediaTypes,
			LeaseTTL:   cfg.Batch.LeaseTTL,
		}, log),
		reporter: batch.NewReporter(st),
		stats:    stats,
		uploads:  upload.NewHook(proc, st, cfg.Store.NoticeTTL, log),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// withApp loads config, wires the services and runs fn.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

// runServe starts the web server and handles graceful shutdown.
func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	log := setupLogger(cfg)
	a, err := newApp(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	server := web.NewServer(cfg, log, web.Dependencies{
		Bulk:     a.runner,
		Progress: a.reporter,
		Stats:    a.stats,
		Uploads:  a.uploads,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(cfg.Server.Port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("ImageOptimizer API started on http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("Library: %s (store: %s)\n", cfg.Library.RootDirectory, cfg.Store.Driver)
	fmt.Printf("Press Ctrl+C to stop the server\n\n")

	<-sigChan
	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	fmt.Println("Server stopped gracefully")
	return nil
}

// loadConfig loads configuration and applies CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	if libraryDir != "" {
		if !dirExists(libraryDir) {
			return nil, fmt.Errorf("library directory does not exist: %s", libraryDir)
		}
		cfg.Library.RootDirectory = libraryDir
	}

	return cfg, nil
}

func printStep(res batch.StepResult) {
	if quiet {
		return
	}
	if res.Outcome == nil {
		fmt.Printf("Done: %d/%d processed\n", res.Processed, res.Total)
		return
	}

	line := fmt.Sprintf("[%3d%%] %d/%d %s: %s", res.Percentage, res.Processed, res.Total, res.Outcome.ItemID, res.Outcome.Status)
	if r := res.Outcome.Result; r != nil {
		line += fmt.Sprintf(" (q%d, %s -> %s)", r.Quality,
			statistics.FormatBytes(r.OriginalSize), statistics.FormatBytes(r.CompressedSize))
	}
	if res.Outcome.Reason != "" {
		line += " - " + res.Outcome.Reason
	}
	fmt.Println(line)
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.LoggerConfig{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    !quiet,
	}

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// dirExists returns true if the given path exists and is a directory.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
