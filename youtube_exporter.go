// Copyright 2020 Damien PLÉNARD.
// Licensed under the MIT License

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/damoun/youtube_exporter/cache"
	"github.com/damoun/youtube_exporter/collector"
	"github.com/damoun/youtube_exporter/config"
	"github.com/damoun/youtube_exporter/monitor"
	"github.com/damoun/youtube_exporter/youtube"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/promslog"
	"github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/version"
	"github.com/prometheus/exporter-toolkit/web"
	webflag "github.com/prometheus/exporter-toolkit/web/kingpinflag"
)

var (
	metricsPath = kingpin.Flag("web.telemetry-path",
		"Path under which to expose metrics.").
		Default("/metrics").String()
	configFile = kingpin.Flag("config.file",
		"Path to the configuration file.").
		Default("youtube_exporter.yml").String()
	youtubeTimeout = kingpin.Flag("youtube.timeout",
		"Timeout of a single YouTube Data API request.").
		Default("10s").Duration()
	youtubeStartDelay = kingpin.Flag("youtube.start-delay",
		"Delay between the start of two stream monitors.").
		Default("1s").Duration()
	youtubeOutagePolicy = kingpin.Flag("youtube.outage-policy",
		"Whether a failed status check on a live stream counts as an outage (confirmed, conservative).").
		Default(string(monitor.OutageConfirmed)).Enum(string(monitor.OutageConfirmed), string(monitor.OutageConservative))
	youtubeMaxBackoff = kingpin.Flag("youtube.max-backoff",
		"Longest delay between checks while the API quota is exhausted.").
		Default("10m").Duration()
	youtubeQuotaRate = kingpin.Flag("youtube.quota-rps",
		"Requests per second allowed per API key, 0 disables the limit.").
		Default("1").Float64()
	youtubeQuotaBurst = kingpin.Flag("youtube.quota-burst",
		"Request burst allowed per API key.").
		Default("5").Int()
	cacheTTL = kingpin.Flag("cache.ttl",
		"How long channel statistics are cached.").
		Default("5m").Duration()
	cacheRedisAddress = kingpin.Flag("cache.redis-address",
		"Redis address for a shared cache, in-process cache when empty.").
		Default("").String()
)

type promHTTPLogger struct {
	logger *slog.Logger
}

func (l promHTTPLogger) Println(v ...interface{}) {
	l.logger.Error(fmt.Sprint(v...))
}

func newRouter(registry *collector.Registry, logger *slog.Logger) (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle(*metricsPath, promhttp.HandlerFor(registry.Gatherer(), promhttp.HandlerOpts{
		ErrorLog:      promHTTPLogger{logger: logger},
		ErrorHandling: promhttp.ContinueOnError,
	}))
	r.Get("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Healthy"))
	})

	if *metricsPath != "/" && *metricsPath != "" {
		landingPage, err := web.NewLandingPage(web.LandingConfig{
			Name:        "YouTube Exporter",
			Description: "Prometheus Exporter for YouTube live streams",
			Version:     version.Info(),
			Links: []web.LandingLinks{
				{
					Address: *metricsPath,
					Text:    "Metrics",
				},
			},
		})
		if err != nil {
			return nil, err
		}
		r.Handle("/", landingPage)
	}

	return r, nil
}

func main() {
	promslogConfig := &promslog.Config{}
	flag.AddFlags(kingpin.CommandLine, promslogConfig)
	var webConfig = webflag.AddFlags(kingpin.CommandLine, ":9185")
	kingpin.Version(version.Print("youtube_exporter"))
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := promslog.New(promslogConfig)
	logger.Info("Starting youtube_exporter", "version", version.Info())
	logger.Info("Build context", "build_context", version.BuildContext())

	registry := collector.NewRegistry()
	registry.Registerer().MustRegister(
		versioncollector.NewCollector("youtube_exporter"),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sc := config.NewSafeConfig(registry.Registerer())
	if err := sc.ReloadConfig(*configFile, logger); err != nil {
		logger.Error("Error loading config", "err", err)
		os.Exit(1)
	}

	channelTTL := monitor.ChannelCacheTTL(sc.Get().YouTube.Interval, *cacheTTL)
	if channelTTL != *cacheTTL {
		logger.Warn("cache ttl capped below the channel statistics period", "requested", *cacheTTL, "ttl", channelTTL)
	}

	client := youtube.NewClient(logger, youtube.Options{
		Timeout:    *youtubeTimeout,
		QuotaRate:  *youtubeQuotaRate,
		QuotaBurst: *youtubeQuotaBurst,
		Cache:      cache.New(channelTTL, *cacheRedisAddress),
		CacheTTL:   channelTTL,
	})

	supervisor, err := monitor.NewSupervisor(sc.Get(), client, registry, logger, *youtubeStartDelay, monitor.Options{
		MaxBackoff:   *youtubeMaxBackoff,
		OutagePolicy: monitor.OutagePolicy(*youtubeOutagePolicy),
	})
	if err != nil {
		logger.Error("Error creating the monitors", "err", err)
		os.Exit(1)
	}

	router, err := newRouter(registry, logger)
	if err != nil {
		logger.Error("Error creating the landing page", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitorsDone := make(chan error, 1)
	go func() {
		monitorsDone <- supervisor.Run(ctx)
	}()

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- web.ListenAndServe(srv, webConfig, logger)
	}()

	select {
	case err := <-serverDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Error starting HTTP server", "err", err)
			stop()
			<-monitorsDone
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down HTTP server", "err", err)
		}
	}

	stop()
	if err := <-monitorsDone; err != nil {
		logger.Error("Monitors stopped with error", "err", err)
	}
}
