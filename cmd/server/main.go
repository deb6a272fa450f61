package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/thereceipt/btprint/internal/api"
	"github.com/thereceipt/btprint/internal/app"
	"github.com/thereceipt/btprint/internal/config"
	"github.com/thereceipt/btprint/internal/logging"
)

// Version is set during build via ldflags
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		transport  string
		registry   string
		port       string
		debug      bool
	)
	flag.StringVar(&configPath, "config", "", "config file")
	flag.StringVar(&transport, "transport", "", "transport: bluez, ble, serial, usb or sim")
	flag.StringVar(&registry, "registry", "", "paired printer file")
	flag.StringVar(&port, "port", "", "listen port (default "+config.DefaultPort+")")
	flag.BoolVar(&debug, "debug", false, "debug logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if transport != "" {
		cfg.Transport = transport
	}
	if registry != "" {
		cfg.RegistryPath = registry
	}
	if port != "" {
		cfg.Port = port
	}
	if debug {
		cfg.Debug = true
	}

	logger, err := logging.JSON(cfg.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := app.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	status := a.Status()
	logger.Info("starting btprint server",
		zap.String("version", Version),
		zap.String("transport", cfg.Transport),
		zap.Bool("enabled", status.Enabled),
		zap.String("registry", a.Registry.Path()))
	if status.Printer != nil {
		logger.Info("paired printer", zap.String("name", status.Printer.Name), zap.String("address", status.Printer.Address))
	}

	server := api.NewServer(a, logger.Named("api"))
	defer server.Close()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", cfg.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
