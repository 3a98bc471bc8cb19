package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/inquesthq/inquest/internal/api"
	"github.com/inquesthq/inquest/internal/auto"
	"github.com/inquesthq/inquest/internal/config"
	"github.com/inquesthq/inquest/internal/external"
	"github.com/inquesthq/inquest/internal/gate"
	"github.com/inquesthq/inquest/internal/localmodel"
	"github.com/inquesthq/inquest/internal/logging"
	"github.com/inquesthq/inquest/internal/pipeline"
	"github.com/inquesthq/inquest/internal/search"
	"github.com/inquesthq/inquest/internal/store"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "inquest",
	Short:   "Inquest - investigative question answering over a document corpus",
	Long:    `Inquest answers investigative questions against an immutable document corpus, grounding every answer in cited sources and streaming progress to the client`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Inquest %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup, re-initialized once config loads.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "inquest",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "inquest",
	})
	log.Info().Str("version", Version).Msg("Starting Inquest engine")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pricing, err := config.LoadPricing(cfg.PricingFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.PricingFile).Msg("Failed to load pricing table")
	}
	if err := pricing.Watch(); err != nil {
		log.Warn().Err(err).Msg("Pricing file watcher unavailable, changes require restart")
	}
	defer pricing.Close()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabaseURL).Msg("Failed to open store")
	}
	defer st.Close()

	model := cfg.LocalModelPath
	if model == "" {
		model = "llama3.2"
	}
	pool := localmodel.NewPool(localmodel.Config{
		Workers:    cfg.LocalPoolSize,
		QueueSize:  cfg.LocalQueueCapacity,
		GenTimeout: cfg.GenerationTimeout,
	}, func() (localmodel.Runner, error) {
		return localmodel.NewHTTPRunner(model, cfg.LocalModelURL), nil
	})
	if err := pool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start local model pool")
	}
	defer pool.Stop()

	gt := gate.New(st, gate.Limits{
		MaxPerIPPerDay:   cfg.MaxPerIPPerDay,
		ExternalDailyCap: cfg.ExternalDailyCap,
		CostCapMicroUSD:  cfg.CostCapMicroUSD,
	}, cfg.IPHashSecret)

	ext := external.New(cfg.ExternalAPIKey, cfg.ExternalModel, cfg.ExternalBaseURL,
		cfg.ExternalTimeout, gt, st, pricing)

	idx := search.New(st, search.DefaultWeights())
	pipe := pipeline.New(cfg, idx, pool, ext, st)
	investigator := auto.New(pipe, gt, st)

	router := api.NewRouter(&api.Services{
		Store:        st,
		Search:       idx,
		Pipeline:     pipe,
		Investigator: investigator,
		Gate:         gt,
		Pool:         pool,
		External:     ext,
		Version:      Version,
	})

	// WriteTimeout stays 0: event streams manage their own write deadlines.
	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.BindAddr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
}
