package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/chatgate/chatgate/pkg/cache"
	"github.com/chatgate/chatgate/pkg/cache/backend"
	"github.com/chatgate/chatgate/pkg/completion"
	"github.com/chatgate/chatgate/pkg/identity"
	"github.com/chatgate/chatgate/pkg/logging"
	"github.com/chatgate/chatgate/pkg/metrics"
	"github.com/chatgate/chatgate/pkg/ollama"
	"github.com/chatgate/chatgate/pkg/proxy"
	"github.com/chatgate/chatgate/pkg/server"
)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the chat gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			m := metrics.New(reg)

			var store cache.Store
			if cfg.Cache.Enabled {
				store, err = backend.Open(cfg)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()

				janitor, err := cache.StartJanitor(store, cfg.Cache.PurgeSchedule, log)
				if err != nil {
					return err
				}
				defer janitor.Stop()
			}

			users, err := identity.New(cfg.DBPath, identity.Options{
				Cache:         store,
				ListingTTL:    cfg.Identity.ListingTTL,
				AdminUsername: cfg.Identity.AdminUsername,
				Logger:        log,
			})
			if err != nil {
				return fmt.Errorf("init identity store: %w", err)
			}
			defer func() { _ = users.Close() }()

			generated, err := users.EnsureAdmin(ctx, cfg.Identity.AdminPassword)
			if err != nil {
				return err
			}
			if generated != "" {
				log.WithField("username", cfg.Identity.AdminUsername).
					WithField("password", generated).
					Warn("created admin account with a generated password; change it")
			}

			client := ollama.NewFromConfig(cfg.Inference, m)
			p := proxy.New(
				completion.New(store, client, completion.Options{TTL: cfg.Cache.TTL, Logger: log, Metrics: m}),
				completion.NewModelList(store, client, completion.Options{TTL: cfg.Cache.ModelsTTL, Logger: log, Metrics: m}),
				client,
				proxy.Options{StreamIdleTimeout: cfg.Inference.StreamIdleTimeout, Logger: log, Metrics: m},
			)

			opts := server.Options{
				Listen:   cfg.Listen,
				Proxy:    p,
				Identity: users,
				Logger:   log,
			}
			if cfg.Metrics.Enabled {
				opts.Gatherer = reg
				opts.MetricsPath = cfg.Metrics.Path
			}

			log.WithField("inference", cfg.Inference.BaseURL()).
				WithField("cache", cacheDescription(cfg.Cache.Enabled, cfg.Cache.Backend)).
				Info("starting chatgate")
			return server.New(opts).ListenAndServe(ctx)
		},
	}
}

func cacheDescription(enabled bool, backendName string) string {
	if !enabled {
		return "disabled"
	}
	return backendName
}
