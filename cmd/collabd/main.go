// collabd - Realtime collaboration daemon
//
// collabd carries presence, collaborative editing sessions, field locks,
// typing indicators and threaded comments over a single websocket per client.
// Clients connect to /ws; a read-only inspection API lives under /api.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"collabd/internal/config"
	"collabd/internal/logging"
	"collabd/internal/service"
	"collabd/internal/store"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config file (TOML)")
	addr := flag.String("addr", "", "Listen address, overrides config")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("collabd %s\n", version)
		return
	}

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	log, err := setupLogging(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	archive, err := openArchive(cfg)
	if err != nil {
		log.Error("open archive", "err", err)
		os.Exit(1)
	}

	svc, err := service.New(cfg, archive, log)
	if err != nil {
		log.Error("assemble service", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	if *configPath != "" {
		loader.OnChange(func(next *config.Config) {
			log.Info("config reloaded", "path", *configPath)
		})
		if err := loader.Watch(); err != nil {
			log.Warn("config watch unavailable", "err", err)
		}
		defer loader.Close()
	}

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: svc.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Server.Addr, "version", version)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		log.Error("server failed", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer shutdownCancel()

	server.Shutdown(shutdownCtx) //nolint:errcheck
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "err", err)
	}
	log.Info("stopped")
}

func setupLogging(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.DefaultConfig()
	if cfg.Logging.Level != "" {
		level, err := logging.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		logCfg.Level = level
	}
	if cfg.Logging.Format != "" {
		format, err := logging.ParseFormat(cfg.Logging.Format)
		if err != nil {
			return nil, err
		}
		logCfg.Format = format
	}
	if cfg.Logging.Output != "" {
		logCfg.Output = cfg.Logging.Output
	}
	if cfg.Logging.FilePath != "" {
		logCfg.FilePath = cfg.Logging.FilePath
	}

	log, err := logging.New(logCfg)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(log)
	return log, nil
}

func openArchive(cfg *config.Config) (store.Archive, error) {
	switch cfg.Storage.Type {
	case "memory":
		return store.Nop{}, nil
	case "sqlite", "":
		return store.Open(cfg.Storage.Path, cfg.Storage.BusyTimeoutMs)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}
