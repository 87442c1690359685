package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"beaconmap/telemetry-server/internal/config"
	"beaconmap/telemetry-server/internal/geocode"
	"beaconmap/telemetry-server/internal/ingest"
	"beaconmap/telemetry-server/internal/metrics"
	"beaconmap/telemetry-server/internal/mqttingest"
	"beaconmap/telemetry-server/internal/store"
)

// App wires together the telemetry services and manages their lifecycle.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	ingest   *ingest.Service
	registry *prometheus.Registry
	mdns     *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(store.Options{
		Driver:       store.Dialect(a.cfg.DatabaseDriver),
		Path:         a.cfg.DatabasePath,
		DSN:          a.cfg.DatabaseDSN,
		MaxOpenConns: a.cfg.DatabaseMaxOpenConns,
	})
	if err != nil {
		return err
	}
	a.store = db

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if a.cfg.InitSchema {
		if err := a.store.InitSchema(ctx); err != nil {
			return err
		}
	}

	schema, err := a.store.Introspect(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("store schema resolved", "driver", a.store.Dialect(), "columns", schema.ColumnMapping(),
		"typed", schema.HasType(), "positioned", schema.HasPosition)

	if err := a.initIngest(); err != nil {
		return err
	}

	errCh := make(chan error, 2)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if a.cfg.MetricsPort > 0 {
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
			Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("metrics server started", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	subCtx, stopSubscriber := context.WithCancel(ctx)
	defer stopSubscriber()
	if a.cfg.MQTTBroker != "" {
		sub := mqttingest.New(mqttingest.Config{
			Broker:   a.cfg.MQTTBroker,
			Topic:    a.cfg.MQTTTopic,
			ClientID: a.cfg.MQTTClientID,
		}, a.ingest, a.logger)
		// the HTTP endpoint keeps serving when the optional MQTT feed fails
		go func() {
			if err := sub.Run(subCtx); err != nil {
				a.logger.Error("mqtt subscriber stopped", "broker", a.cfg.MQTTBroker, "error", err)
			}
		}()
	}

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		stopSubscriber()
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	}

	select {
	case <-ctx.Done():
		return shutdown()
	case err := <-errCh:
		_ = shutdown()
		return err
	}
}

// initIngest builds the metrics registry, the geocoder and the ingestion service
// on top of an opened store.
func (a *App) initIngest() error {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ingestMetrics, err := metrics.NewIngestMetrics(a.registry)
	if err != nil {
		return err
	}

	opts := ingest.Options{
		RelocationToleranceKm: a.cfg.RelocationToleranceKm,
		MatchToleranceKm:      a.cfg.MatchToleranceKm,
		Observer:              ingestMetrics,
		Logger:                a.logger,
	}
	if a.cfg.GeocoderEnabled && a.cfg.GeocoderURL != "" {
		opts.Geocoder = geocode.New(geocode.Options{
			BaseURL:   a.cfg.GeocoderURL,
			UserAgent: a.cfg.GeocoderUserAgent,
			Timeout:   a.cfg.GeocoderTimeout,
		})
	}

	a.ingest = ingest.NewService(a.store, opts)
	return nil
}
