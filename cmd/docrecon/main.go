// main.go - docrecon CLI entry point

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/bosocmputer/doc_recon_gemini/configs"
	"github.com/bosocmputer/doc_recon_gemini/internal/ai"
	"github.com/bosocmputer/doc_recon_gemini/internal/api"
	"github.com/bosocmputer/doc_recon_gemini/internal/cost"
	"github.com/bosocmputer/doc_recon_gemini/internal/dataset"
	"github.com/bosocmputer/doc_recon_gemini/internal/logging"
	"github.com/bosocmputer/doc_recon_gemini/internal/processor"
	"github.com/bosocmputer/doc_recon_gemini/internal/ratelimit"
	"github.com/bosocmputer/doc_recon_gemini/internal/recon"
	"github.com/bosocmputer/doc_recon_gemini/internal/storage"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:   "docrecon",
		Short: "Reconcile scanned documents against a reference dataset",
		Long: `docrecon extracts identifiers from scanned document images with a
vision model, matches them against a reference CSV, and writes an
annotated CSV plus a run report with full API cost accounting.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newRunCmd(), newCacheCmd(), newServeCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return logging.New(level)
}

// signalContext cancels on SIGINT or SIGTERM so an interrupted run still
// flushes what it has.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <dataset.csv>",
		Short: "Process all images and reconcile them against the dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			cfg, err := configs.Load()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			ds, err := dataset.Load(args[0], cfg.IdentifierColumn, logger)
			if err != nil {
				return err
			}

			store, err := storage.Open(ctx, cfg.MongoURI, cfg.MongoDBName, cfg.MongoCacheCol, cfg.CachePath, logger)
			if err != nil {
				return err
			}
			defer store.Close(context.Background())

			costs := cost.NewAccountant(cfg, logger)
			limiter := ratelimit.NewRateLimiter(cfg.RateLimitTokens, cfg.RateLimitRefill)

			extractor, err := ai.NewExtractor(cfg, limiter, costs, logger)
			if err != nil {
				return err
			}

			pre := processor.NewPreprocessor(cfg.Preprocess, cfg.ProcessedDir, logger)
			matcher := processor.NewMatcher(
				cfg.IdentifierColumn,
				[]string{cfg.AmountColumn, cfg.DateColumn},
				cfg.SecondaryWeight,
				cfg.MatchThreshold,
				cfg.AmbiguityMargin,
				logger,
			)

			orch := recon.New(cfg, pre, extractor, matcher, store, costs, logger)
			rep, err := orch.Run(ctx, ds)
			if err != nil {
				return err
			}

			rep.Render(cmd.OutOrStdout())
			fmt.Fprintf(cmd.OutOrStdout(), "\nannotated dataset: %s\nrun report: %s\n",
				cfg.OutputPath, cfg.ReportPath)
			return nil
		},
	}
}

func newCacheCmd() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the extraction cache",
	}

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cached extractions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := configs.Load()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			store, err := storage.Open(ctx, cfg.MongoURI, cfg.MongoDBName, cfg.MongoCacheCol, cfg.CachePath, logger)
			if err != nil {
				return err
			}
			defer store.Close(context.Background())

			entries, err := store.List(ctx)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Fingerprint", "Identifier", "Model", "Created"})
			for _, entry := range entries {
				identifier := ""
				if entry.Result != nil {
					identifier = entry.Result.Identifier
				}
				fp := entry.Fingerprint
				if len(fp) > 16 {
					fp = fp[:16]
				}
				t.AppendRow(table.Row{fp, identifier, entry.ModelVersion,
					entry.CreatedAt.Format("2006-01-02 15:04:05")})
			}
			t.AppendFooter(table.Row{fmt.Sprintf("%d entries", len(entries)), "", "", ""})
			t.Render()
			return nil
		},
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete all cached extractions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := configs.Load()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			store, err := storage.Open(ctx, cfg.MongoURI, cfg.MongoDBName, cfg.MongoCacheCol, cfg.CachePath, logger)
			if err != nil {
				return err
			}
			defer store.Close(context.Background())

			if err := store.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
			return nil
		},
	})

	return cacheCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the run report and cache for review over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := configs.Load()
			if err != nil {
				return err
			}

			if !verbose {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, cancel := signalContext()
			defer cancel()

			store, err := storage.Open(ctx, cfg.MongoURI, cfg.MongoDBName, cfg.MongoCacheCol, cfg.CachePath, logger)
			if err != nil {
				return err
			}
			defer store.Close(context.Background())

			server := api.NewServer(cfg, store, logger)
			srv := &http.Server{
				Addr:           cfg.ServeAddr,
				Handler:        server.Router(),
				ReadTimeout:    3 * time.Second,
				WriteTimeout:   30 * time.Second,
				MaxHeaderBytes: 1 << 20,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("review server listening", "addr", cfg.ServeAddr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down review server")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
