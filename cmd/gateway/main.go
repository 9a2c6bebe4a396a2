package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cfg "github.com/gavinshark/gateway/internal/config"
	"github.com/gavinshark/gateway/internal/gateway"
	"github.com/gavinshark/gateway/internal/logging"
	"github.com/gavinshark/gateway/internal/metrics"
	"github.com/gavinshark/gateway/internal/version"
)

const defaultConfigPath = "config/config.json"

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [config-path]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	configPath := defaultConfigPath
	if flag.NArg() > 0 {
		configPath = flag.Arg(0)
	}

	c, err := cfg.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logger, closeLog, err := logging.New(c.LogLevel, c.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	defer func() { _ = closeLog() }()

	m := metrics.New()
	gw := gateway.New(c, configPath, gateway.WithLogger(logger), gateway.WithMetrics(m))

	logger.Info("gateway starting",
		"version", version.Value,
		"config", configPath,
		"port", c.ListenPort,
		"log_level", c.LogLevel,
		"backend_timeout", c.BackendTimeout,
		"routes", len(c.Routes))

	if err := gw.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	gw.EnableHotReload()

	var msrv *http.Server
	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		msrv = &http.Server{Addr: c.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("metrics listening", "addr", c.MetricsAddr)
			if err := msrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	gw.Stop()
	if msrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = msrv.Shutdown(shutdownCtx)
	}
	logger.Info("gateway stopped")
	return 0
}
