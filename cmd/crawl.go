package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"crawld/internal/config"
	"crawld/internal/dispatch"
	"crawld/internal/memwatch"
	"crawld/internal/ratelimit"
	"crawld/pkg/crawler"
	"crawld/pkg/crawler/httpcrawler"
	"crawld/pkg/domain"
	"crawld/pkg/logger"
	"crawld/pkg/observer"
	"crawld/pkg/serrors"
)

// readURLs loads the crawl targets, one per line; blank lines and #-comments
// are skipped. Every URL must parse with a scheme and a host.
func readURLs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open URL list: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var urls []string
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		u, err := url.Parse(line)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, serrors.With(serrors.ErrBadRequest, "invalid URL %q", line)
		}
		urls = append(urls, line)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("could not read URL list: %w", err)
	}

	return urls, nil
}

// setupMetrics starts the Prometheus endpoint and returns the observer
// exporting dispatcher telemetry through it, plus a shutdown function.
func setupMetrics(ctx context.Context, cfg *config.Config) (*observer.Metrics, func(ctx context.Context), error) {
	exp, err := otelprom.New(otelprom.WithRegisterer(prometheus.DefaultRegisterer))
	if err != nil {
		return nil, nil, fmt.Errorf("could not create otel exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))

	metricsObs, err := observer.NewMetrics(mp)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create metrics observer: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	server := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux} //nolint: gosec

	go func() {
		logger.Info(ctx, "starting metrics server...", zap.String("addr", cfg.Metrics.Addr))
		if err := server.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				logger.Error(ctx, "could not start metrics server", zap.Error(err))
			}
		}
	}()

	return metricsObs, func(ctx context.Context) {
		logger.Info(ctx, "stopping metrics server...")
		if err := server.Shutdown(ctx); err != nil {
			logger.Error(ctx, "could not stop metrics server", zap.Error(err))
		}
	}, nil
}

// buildDispatcher wires the limiter, monitor and observers into the
// configured dispatch strategy.
func buildDispatcher(cfg *config.Config, obs observer.TaskObserver) dispatch.Dispatcher {
	limiter := ratelimit.New(ratelimit.NewOptions(cfg))

	if cfg.Dispatcher.Strategy == "semaphore" {
		return dispatch.NewSemaphore(dispatch.NewSemaphoreOptions(cfg), limiter, obs)
	}

	monitor := memwatch.New(memwatch.NewOptions(cfg), nil, obs.MemoryStateChanged)

	return dispatch.NewMemoryAdaptive(dispatch.NewMemoryAdaptiveOptions(cfg), limiter, monitor, obs)
}

// crawlCommand constructs the 'crawl' subcommand that dispatches every URL in
// the given list file and prints one JSON result per line.
func crawlCommand(cfg *config.Config) *cobra.Command {
	var (
		urlsFile string
		stream   bool
	)

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Dispatches the URL list through the crawl scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			urls, err := readURLs(urlsFile)
			if err != nil {
				return err
			}

			observers := observer.Multi{observer.NewLogging(logger.Get(ctx))}
			if cfg.Metrics.Addr != "" {
				metricsObs, stopMetrics, err := setupMetrics(ctx, cfg)
				if err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
					defer cancel()
					stopMetrics(shutdownCtx)
				}()
				observers = append(observers, metricsObs)
			}

			d := buildDispatcher(cfg, observers)
			fetcher := httpcrawler.New(nil, httpcrawler.Options{
				UserAgent:      cfg.Fetcher.UserAgent,
				MaxBodyBytes:   cfg.Fetcher.MaxBodyBytes,
				RequestTimeout: cfg.Fetcher.RequestTimeout,
			})

			enc := json.NewEncoder(cmd.OutOrStdout())
			emit := func(r domain.TaskResult) error {
				return enc.Encode(r) //nolint: wrapcheck
			}

			if stream {
				results, err := d.RunStream(ctx, urls, fetcher, crawler.RunConfig{})
				if err != nil {
					return fmt.Errorf("could not start stream: %w", err)
				}
				for r := range results {
					if err := emit(r); err != nil {
						return err
					}
				}

				return nil
			}

			results, err := d.Run(ctx, urls, fetcher, crawler.RunConfig{})
			if err != nil {
				return fmt.Errorf("dispatch failed: %w", err)
			}
			for _, r := range results {
				if err := emit(r); err != nil {
					return err
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&urlsFile, "file", "f", "urls.txt", "Path to the URL list file")
	cmd.Flags().BoolVar(&stream, "stream", false, "Emit results as they complete instead of at the end")

	return cmd
}
