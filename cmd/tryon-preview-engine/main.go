package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/datadove/tryon-preview-engine/internal/config"
	"github.com/datadove/tryon-preview-engine/internal/logging"
	"github.com/datadove/tryon-preview-engine/internal/proxy"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "tryon-preview-engine",
		Short: "Try-on preview engine",
		Long:  `Backend service for virtual try-on previews: normalizes user and garment images, brokers short-lived storage credentials, relays generation to the hosted gateway, and enforces access, quota, and retention rules`,
		RunE:  run,
	}

	rootCmd.Flags().StringP("config", "c", "", "config file path")
	rootCmd.Flags().String("listen", ":8080", "listen address")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)

	logrus.SetFormatter(&logrus.JSONFormatter{})

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
		"num_cpu": runtime.NumCPU(),
	}).Info("Starting try-on preview engine")

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Sentry.Enabled {
		if err := initSentry(cfg); err != nil {
			logrus.WithError(err).Error("Failed to initialize Sentry")
			// Don't fail startup if Sentry init fails
		} else {
			defer sentry.Flush(2 * time.Second)
			logrus.Info("Sentry initialized successfully")

			logrus.AddHook(logging.NewSentryHook(nil))
			if cfg.Sentry.Debug || cfg.Sentry.MaxBreadcrumbs > 0 {
				logrus.AddHook(logging.NewBreadcrumbHook(nil))
			}
		}
	}

	listenAddr, _ := cmd.Flags().GetString("listen")
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}

	logrus.WithFields(logrus.Fields{
		"site_url":         cfg.Relay.SiteURL,
		"storage_endpoint": cfg.Storage.Endpoint,
		"listen_addr":      cfg.Server.Listen,
		"daily_limit":      cfg.Access.DailyLimit,
		"sweep_interval":   cfg.Retention.SweepInterval.String(),
	}).Info("Configuration loaded")

	proxyServer, err := proxy.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           proxyServer,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 2 * time.Second,

		ConnState: func(conn net.Conn, state http.ConnState) {
			if state == http.StateNew {
				if tcpConn, ok := conn.(*net.TCPConn); ok {
					_ = tcpConn.SetNoDelay(true)
					_ = tcpConn.SetKeepAlive(true)
					_ = tcpConn.SetKeepAlivePeriod(30 * time.Second)
				}
			}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proxyServer.StartRetentionSweeps(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		logrus.Info("Shutting down server...")
		proxyServer.SetShuttingDown()
		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Error("Failed to shutdown server gracefully")
		}
		if err := proxyServer.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close server resources")
		}
		cancel()
	}()

	logrus.WithField("addr", cfg.Server.Listen).Info("Server listening")
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-ctx.Done()
	logrus.Info("Server stopped")
	return nil
}

func initSentry(cfg *config.Config) error {
	options := sentry.ClientOptions{
		Dsn:              cfg.Sentry.DSN,
		Environment:      cfg.Sentry.Environment,
		Release:          cfg.Sentry.Release,
		SampleRate:       cfg.Sentry.SampleRate,
		TracesSampleRate: cfg.Sentry.TracesSampleRate,
		AttachStacktrace: cfg.Sentry.AttachStacktrace,
		Debug:            cfg.Sentry.Debug,
		MaxBreadcrumbs:   cfg.Sentry.MaxBreadcrumbs,
		ServerName:       cfg.Sentry.ServerName,
	}

	if options.Release == "" {
		options.Release = fmt.Sprintf("tryon-preview-engine@%s", version)
	}

	if len(cfg.Sentry.IgnoreErrors) > 0 {
		options.BeforeSend = func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			if hint.OriginalException != nil {
				errMsg := hint.OriginalException.Error()
				for _, ignore := range cfg.Sentry.IgnoreErrors {
					if strings.Contains(errMsg, ignore) {
						return nil // Drop the event
					}
				}
			}
			return event
		}
	}

	options.Tags = map[string]string{
		"server.version": version,
		"server.commit":  commit,
		"server.date":    date,
	}

	return sentry.Init(options)
}
