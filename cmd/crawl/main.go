// Command crawl harvests the catalog and writes the durable snapshot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-book-catalog/config"
	"github.com/aluiziolira/go-book-catalog/crawler"
	"github.com/aluiziolira/go-book-catalog/models"
	"github.com/aluiziolira/go-book-catalog/snapshot"
)

func main() {
	configPath := flag.String("config", "", "Optional config file path")
	maxPages := flag.Int("pages", 0, "Maximum catalog pages to crawl (override)")
	parallelism := flag.Int("parallel", 0, "Concurrent detail-page requests (override)")
	baseURL := flag.String("base-url", "", "Base URL to crawl (override)")
	outputFile := flag.String("output", "", "Snapshot file path (override)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	applyOverrides(cfg, *maxPages, *parallelism, *baseURL, *outputFile, *metricsAddr, *verbose)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	slog.Info("starting crawl",
		slog.String("base_url", cfg.BaseURL),
		slog.Int("pages", cfg.MaxPages),
		slog.Int("workers", cfg.Parallelism),
	)

	c, err := crawler.New(cfg)
	if err != nil {
		slog.Error("initialising crawler", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing in-flight pages")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(c.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	result, err := c.Run(ctx)
	if err != nil {
		slog.Error("crawl failed", slog.Any("error", err))
		os.Exit(1)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	if ctx.Err() != nil && len(result.Records) == 0 {
		slog.Warn("cancelled before any record was harvested; previous snapshot kept")
		os.Exit(1)
	}

	store := snapshot.New(cfg.SnapshotFile)
	if err := store.Write(result.Records); err != nil {
		slog.Error("snapshot write failed, previous snapshot kept", slog.Any("error", err))
		os.Exit(1)
	}

	printSummary(result, cfg.SnapshotFile)
}

func applyOverrides(cfg *config.Config, maxPages, parallelism int, baseURL, outputFile, metricsAddr string, verbose bool) {
	if maxPages > 0 {
		cfg.MaxPages = maxPages
	}
	if parallelism > 0 {
		cfg.Parallelism = parallelism
	}
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if outputFile != "" {
		cfg.SnapshotFile = outputFile
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if verbose {
		cfg.Verbose = true
	}
}

func printSummary(result *models.CrawlResult, outputFile string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Crawl complete")

	duration := result.EndTime.Sub(result.StartTime)
	successRate := 0.0
	if result.RequestCount > 0 {
		successRate = float64(result.RequestCount-result.ErrorCount) / float64(result.RequestCount) * 100
	}
	recordsPerSec := 0.0
	if duration.Seconds() > 0 {
		recordsPerSec = float64(len(result.Records)) / duration.Seconds()
	}

	fmt.Printf("  Records:       %d\n", len(result.Records))
	fmt.Printf("  Pages:         %d\n", result.PageCount)
	fmt.Printf("  Requests:      %d\n", result.RequestCount)
	fmt.Printf("  Success rate:  %.2f%%\n", successRate)
	fmt.Printf("  Errors:        %d\n", result.ErrorCount)
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	fmt.Printf("  Warnings:      %d\n", len(result.Warnings))
	for _, w := range result.Warnings {
		fmt.Printf("    page %d [%s] %s\n", w.Page, w.Kind, w.Message)
	}
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Printf("  Records/sec:   %.2f\n", recordsPerSec)
	fmt.Printf("  Snapshot:      %s\n", outputFile)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
