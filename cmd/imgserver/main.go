package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"imgserver/internal/config"
	"imgserver/internal/httpserver"
	"imgserver/internal/logging"
	"imgserver/internal/metrics"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := config.NewViper()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "imgserver [dir]",
		Short: "Browse a local image directory over HTTP",
		Long: `Serves images under a directory (and inside zip archives) with on-demand
resizing and format conversion, plus a JSON listing API and a read-only
WebDAV view.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				v.Set("root", args[0])
			}
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "config file (default ./imgserver.{yaml,json} if present)")
	f.StringP("dir", "d", ".", "image root directory")
	f.String("host", "127.0.0.1", "listen host")
	f.IntP("port", "p", 8000, "listen port")
	f.String("encoding", "cp932", "default encoding for non-UTF-8 zip entry names")
	f.StringArray("cors-origin", nil, "allowed CORS origin (repeatable, \"*\" for any)")
	f.Int("cache-max-age", 60, "max-age in seconds for image responses (0 sends no-cache)")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.String("log-format", "console", "log format (console, json)")
	f.Bool("keep-metadata", false, "serve unmodified originals (with EXIF) when no parameters are given")
	f.Bool("access-log", false, "log every request")
	f.String("metrics-addr", "", "serve /metrics on a separate address")

	for key, flag := range map[string]string{
		"root":            "dir",
		"host":            "host",
		"port":            "port",
		"defaultEncoding": "encoding",
		"corsOrigins":     "cors-origin",
		"cacheMaxAge":     "cache-max-age",
		"keepMetadata":    "keep-metadata",
		"logLevel":        "log-level",
		"logFormat":       "log-format",
		"accessLog":       "access-log",
		"metricsAddr":     "metrics-addr",
	} {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}

	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "imgserver", version)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	srv, err := httpserver.New(httpserver.Options{Config: cfg, Logger: logger})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	servers := []*http.Server{{
		Addr:         cfg.Addr(),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
	}

	errc := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("listen %s: %w", s.Addr, err)
			}
		}(s)
	}

	logger.Info("imgserver listening",
		zap.String("url", "http://"+cfg.Addr()+"/"),
		zap.String("root", cfg.Root),
		zap.Bool("webdav", cfg.WebDAV),
	)

	select {
	case err = <-errc:
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range servers {
		if serr := s.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("shutdown", zap.String("addr", s.Addr), zap.Error(serr))
		}
	}
	return err
}
