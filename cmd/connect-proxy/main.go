// Package main provides the CLI entry point for the connect proxy.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/postalsys/connect-proxy/internal/config"
	"github.com/postalsys/connect-proxy/internal/directory"
	"github.com/postalsys/connect-proxy/internal/forward"
	"github.com/postalsys/connect-proxy/internal/health"
	"github.com/postalsys/connect-proxy/internal/logging"
	"github.com/postalsys/connect-proxy/internal/metrics"
	"github.com/postalsys/connect-proxy/internal/proxy"
	"github.com/postalsys/connect-proxy/internal/report"
	"github.com/postalsys/connect-proxy/internal/tunnel"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "connect-proxy",
		Short: "CONNECT tunneling proxy for VPN-connected devices",
		Long: `connect-proxy routes HTTP CONNECT tunnel requests to VPN-connected
devices. Devices are addressed as <uuid>.balena[:port]; requests are
authorized against the device directory and either tunneled locally or
relayed to the sibling instance holding the device's VPN session.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the connect proxy",
		Long:  "Start the proxy with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func run(cfg config.Config) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	m := metrics.Default()
	reporter := report.NewLogReporter(logger.With(logging.KeyComponent, "report"))

	dir := directory.NewClient(cfg.Directory.BaseURL, cfg.Directory.Timeout,
		directory.WithMetrics(m))

	fwd := forward.NewClient(forward.ClientConfig{
		Port:           cfg.Forward.Port,
		ConnectTimeout: cfg.Forward.ConnectTimeout,
		Logger:         logger.With(logging.KeyComponent, "forward"),
		Reporter:       reporter,
		Metrics:        m,
	})

	handler := tunnel.NewHandler(tunnel.HandlerConfig{
		ServiceInstanceID: cfg.Proxy.ServiceInstanceID,
		APIToken:          cfg.Directory.APIToken,
		ConnectTimeout:    cfg.Proxy.ConnectTimeout,
		Logger:            logger.With(logging.KeyComponent, "tunnel"),
		Reporter:          reporter,
		Metrics:           m,
	}, tunnel.NewDNSResolver(), dir, fwd)

	server := proxy.NewServer(proxy.ServerConfig{
		Address:        cfg.Proxy.Address,
		MaxConnections: cfg.Proxy.MaxConnections,
		Middleware:     []proxy.Middleware{handler.Gate},
		Connect:        handler.Connect,
		OnError:        handler.RespondError,
		Logger:         logger.With(logging.KeyComponent, "proxy"),
	})

	if err := server.Start(); err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}
	logger.Info("proxy listening",
		"address", server.Address().String(),
		logging.KeyInstance, cfg.Proxy.ServiceInstanceID)

	var healthServer *health.Server
	if cfg.Health.Enabled {
		healthServer = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}, server)
		if err := healthServer.Start(); err != nil {
			server.Stop()
			return fmt.Errorf("start health server: %w", err)
		}
		logger.Info("health server listening", "address", healthServer.Address().String())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	if healthServer != nil {
		healthServer.Stop()
	}
	return server.Stop()
}
