package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haukened/rr-proxy/internal/dns/common/log"
	"github.com/haukened/rr-proxy/internal/dns/common/tracing"
	"github.com/haukened/rr-proxy/internal/dns/config"
)

const (
	// Version information
	version = "0.1.0-dev"
	appName = "rr-proxyd"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Caching, filtering DNS forwarding proxy",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := run(cmd.Context(), configPath); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", appName, err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML, JSON or TOML configuration file")
	return cmd
}

func run(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	err = log.Configure(log.Options{
		Env:        cfg.Env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return fmt.Errorf("logging configuration error: %w", err)
	}

	log.Info(map[string]any{
		"version":   version,
		"env":       cfg.Env,
		"log_level": cfg.Log.Level,
		"listen":    cfg.Listen.Addresses,
		"upstream":  cfg.Upstream.Servers,
		"cache":     cfg.Cache.Enabled,
		"rules":     cfg.Rules.File,
		"blocklist": cfg.Blocklist.Directory,
	}, "Starting RR-Proxy server")

	if parent == nil {
		parent = context.Background()
	}

	tp, shutdownTracing, err := tracing.Setup(parent, tracing.Options{
		ServiceName:    cfg.Trace.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Trace.Endpoint,
		Insecure:       cfg.Trace.Insecure,
		SampleRatio:    cfg.Trace.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracing configuration error: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn(map[string]any{"error": err.Error()}, "Failed to flush traces")
		}
	}()
	if cfg.Trace.Endpoint != "" {
		log.Info(map[string]any{
			"endpoint":     cfg.Trace.Endpoint,
			"service":      cfg.Trace.ServiceName,
			"sample_ratio": cfg.Trace.SampleRatio,
		}, "Tracing enabled")
	}

	app, err := buildApplication(cfg, tp)
	if err != nil {
		log.Error(map[string]any{"error": err.Error()}, "Failed to build application")
		return err
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := app.Run(ctx); err != nil {
		log.Error(map[string]any{"error": err.Error()}, "Server failed")
		return err
	}

	log.Info(nil, "RR-Proxy server stopped gracefully")
	return nil
}
