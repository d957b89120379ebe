package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/auction"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/bidding"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/config"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/endpoints"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/fetcher"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/filter"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/histogram"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/middleware"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/overrides"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/prebuilt"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/sandbox"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/scoring"
	"github.com/StreetsDigital/thenexusengine/adselection/internal/selection"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/logger"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/redis"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.Server.Port = port
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringP("port", "p", "", "Port to listen on (overrides config)")
	return cmd
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// stores are the histogram and override backends, in memory or Redis
type stores struct {
	histogram interface {
		filter.EventCounter
		filter.PackageAuthorizer
		endpoints.EventStore
	}
	overrides interface {
		overrides.Store
		overrides.Writer
	}
	close func() error
}

func newStores(cfg config.RedisConfig) (*stores, error) {
	if cfg.URL == "" {
		logger.Log.Warn().Msg("no redis url configured, histograms and overrides are kept in memory")
		return &stores{
			histogram: histogram.NewMemoryStore(),
			overrides: overrides.NewMemoryStore(),
			close:     func() error { return nil },
		}, nil
	}
	client, err := redis.New(cfg.URL)
	if err != nil {
		return nil, err
	}
	logger.Log.Info().
		Str("address", client.Address()).
		Str("prefix", cfg.Prefix).
		Msg("histograms and overrides are kept in redis")
	return &stores{
		histogram: histogram.NewRedisStore(client, cfg.Prefix),
		overrides: overrides.NewRedisStore(client, cfg.Prefix),
		close:     client.Close,
	}, nil
}

// app is the wired service
type app struct {
	handler http.Handler
	close   func()
}

func newApp(cfg config.Config) (*app, error) {
	var recorder metrics.Recorder = metrics.NoOp{}
	var metricsHandler http.Handler
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
		recorder = m
		metricsHandler = m.Handler()
	}

	st, err := newStores(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to create stores: %w", err)
	}

	logic := fetcher.New(nil, cfg.Fetcher, recorder)
	engine := sandbox.NewEngine(sandbox.NewRemoteEvaluator(cfg.Sandbox.RemoteURL, cfg.Sandbox.Timeout), cfg.Sandbox.MaxHeapBytes)

	var biddingOverrides bidding.OverrideSource
	var scoringOverrides scoring.OverrideSource
	var selectionOverrides selection.OverrideSource
	if cfg.Fetcher.DevOverridesEnabled {
		biddingOverrides = st.overrides
		scoringOverrides = st.overrides
		selectionOverrides = st.overrides
	}

	runner := auction.New(
		filter.New(st.histogram, st.histogram, nil, cfg.Filter, recorder),
		bidding.New(logic, engine, biddingOverrides, cfg.Bidding, recorder),
		scoring.New(logic, engine, scoringOverrides, recorder),
		cfg.Auction,
		recorder,
	)
	selector := selection.New(logic, engine, selectionOverrides, cfg.Selection, recorder)

	handlers := endpoints.Handlers{
		Auction:   endpoints.NewAuctionHandler(runner),
		Selection: endpoints.NewSelectionHandler(selector),
		Events:    endpoints.NewEventsHandler(st.histogram, nil),
		Status:    endpoints.NewStatusHandler(),
		Prebuilt:  endpoints.NewPrebuiltInfoHandler(prebuilt.NewGenerator(cfg.Fetcher.PrebuiltEnabled)),
		Metrics:   metricsHandler,
	}
	if cfg.Fetcher.DevOverridesEnabled {
		handlers.Overrides = endpoints.NewOverridesHandler(st.overrides)
		handlers.AdminAuth = middleware.NewAdminAuth(middleware.AdminAuthConfig{
			Enabled: len(cfg.Admin.Tokens) > 0,
			Tokens:  cfg.Admin.Tokens,
		}).Middleware
		if len(cfg.Admin.Tokens) == 0 {
			logger.Log.Warn().Msg("developer override endpoints are enabled without admin tokens")
		}
	}

	var handler http.Handler = endpoints.NewRouter(handlers)
	handler = middleware.NewSizeLimiter(middleware.SizeLimitConfig{
		Enabled:      true,
		MaxBodySize:  cfg.Server.MaxBodyBytes,
		MaxURLLength: cfg.Server.MaxURLLength,
	}).Middleware(handler)
	if m != nil {
		handler = m.Middleware(handler)
	}
	handler = middleware.RequestLogging(handler)

	return &app{
		handler: handler,
		close: func() {
			runner.Close()
			if err := st.close(); err != nil {
				logger.Log.Warn().Err(err).Msg("failed to close stores")
			}
		},
	}, nil
}

func serve(cfg config.Config) error {
	logger.Init(cfg.Log)
	log := logger.Log

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      a.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	log.Info().
		Str("port", cfg.Server.Port).
		Str("sandbox", cfg.Sandbox.RemoteURL).
		Bool("prebuilt", cfg.Fetcher.PrebuiltEnabled).
		Bool("dev_overrides", cfg.Fetcher.DevOverridesEnabled).
		Bool("filtering", cfg.Filter.Enabled).
		Msg("starting ad selection server")

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}
