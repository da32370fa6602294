package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/klyr/bastion/internal/appsec"
	"github.com/klyr/bastion/internal/config"
	"github.com/klyr/bastion/internal/gateway"
	"github.com/klyr/bastion/internal/logging"
	"github.com/klyr/bastion/internal/observability"
	"github.com/klyr/bastion/internal/watch"
)

const (
	shutdownTimeout = 5 * time.Second
	sweepInterval   = time.Minute
)

func newRunCmd() *cobra.Command {
	var configPath string
	var modeOverride string
	var rulesOverride string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Bastion gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if modeOverride != "" {
				cfg.AppSec.Mode = modeOverride
			}
			if rulesOverride != "" {
				cfg.AppSec.Rules = rulesOverride
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := logging.New(cfg.Logging, os.Stderr)
			if err != nil {
				return err
			}
			return runGateway(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&modeOverride, "mode", "", "Override the engine mode (enforce|monitor)")
	cmd.Flags().StringVar(&rulesOverride, "rules", "", "Override the rule document path")

	return cmd
}

func runGateway(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	var metrics *observability.Metrics
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		metrics = observability.NewMetrics(reg)
	}

	engine, err := appsec.New(appsec.FromConfig(cfg), appsec.WithLogger(logger), appsec.WithMetrics(metrics))
	if err != nil {
		return err
	}

	gw, err := gateway.New(cfg, engine)
	if err != nil {
		return err
	}
	gw.SetMetrics(metrics)

	if cfg.Logging.DecisionLog != "" {
		decisions, closer, err := logging.OpenDecisionLog(cfg.ResolvePath(cfg.Logging.DecisionLog))
		if err != nil {
			return err
		}
		defer func() { _ = closer() }()
		gw.SetDecisionLogger(decisions)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           gw,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info().Str("listen", srv.Addr).Bool("tls", cfg.Server.TLS.Enabled).Msg("Gateway listening")
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.ResolvePath(cfg.Server.TLS.CertFile), cfg.ResolvePath(cfg.Server.TLS.KeyFile))
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		return shutdown(srv)
	})

	if metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsSrv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info().Str("listen", metricsSrv.Addr).Msg("Metrics listening")
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return shutdown(metricsSrv)
		})
	}

	if cfg.AppSec.Enabled && cfg.AppSec.WatchRules && cfg.AppSec.Rules != "" {
		w, err := watch.New([]string{cfg.ResolvePath(cfg.AppSec.Rules)}, watch.DefaultDebounce, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return w.Run(ctx, engine.ReloadRules)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				if n := gw.Sweep(now.Add(-sweepInterval)); n > 0 {
					logger.Debug().Int("buckets", n).Msg("Swept idle rate limit buckets")
				}
			}
		}
	})

	err = g.Wait()
	logger.Info().Msg("Gateway stopped")
	return err
}

func shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
