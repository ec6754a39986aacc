package cmd

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

	"github.com/spf13/cobra"

	"linkscrub/internal/config"
	"linkscrub/internal/health"
	"linkscrub/internal/metrics"
	"linkscrub/internal/plugins"
	"linkscrub/internal/proxy"
)

const defaultConfigFile = "config.json"

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the link-scrubbing reverse proxy",
	Long: `serve proxies backend_url and rewrites the links of HTML and XML responses
through the plugin chain. SIGHUP reloads the configuration file and plugins.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Address to listen on")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig()
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()

	var healthServer *health.Server
	if cfg.HealthPort > 0 {
		healthServer = health.New(cfg.HealthPort, registry)
		go func() {
			if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Health server failed", "error", err)
			}
		}()
	}

	manager, err := newPluginManager(cfg)
	if err != nil {
		return err
	}
	defer closePlugins(manager)

	proxyServer, err := proxy.New(cfg, manager, version)
	if err != nil {
		return fmt.Errorf("failed to create proxy server: %w", err)
	}

	server := &http.Server{
		Addr:              serveAddr,
		Handler:           proxyServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", serveAddr, "backend", cfg.BackendURL, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if healthServer != nil {
		healthServer.MarkReady()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case err := <-serverErr:
			return fmt.Errorf("server failed: %w", err)
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				slog.Info("Reloading configuration")
				if err := reload(proxyServer, manager); err != nil {
					slog.Error("Failed to reload configuration", "error", err)
					continue
				}
				slog.Info("Configuration reloaded successfully")
			case syscall.SIGINT, syscall.SIGTERM:
				slog.Info("Shutting down server")
				if healthServer != nil {
					healthServer.MarkNotReady()
				}

				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := server.Shutdown(ctx); err != nil {
					return fmt.Errorf("server shutdown failed: %w", err)
				}
				if healthServer != nil {
					if err := healthServer.Stop(); err != nil {
						slog.Error("Health server shutdown failed", "error", err)
					}
				}
				return nil
			}
		}
	}
}

func loadServeConfig() (*config.Config, error) {
	cfg, err := loadConfig(defaultConfigFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateServe(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// reload swaps the proxy settings first so a bad backend leaves the running
// plugin chain untouched.
func reload(proxyServer *proxy.Proxy, manager *plugins.Manager) error {
	cfg, err := loadServeConfig()
	if err != nil {
		return err
	}
	if err := proxyServer.UpdateConfig(cfg); err != nil {
		return fmt.Errorf("failed to update proxy configuration: %w", err)
	}
	if err := manager.LoadPlugins(cfg); err != nil {
		return fmt.Errorf("failed to reload plugins: %w", err)
	}
	return nil
}
