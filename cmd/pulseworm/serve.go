package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pulseworm/pkg/api"
	"pulseworm/pkg/cache"
	"pulseworm/pkg/config"
	"pulseworm/pkg/db"
	"pulseworm/pkg/report"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored runs, live updates and metrics over HTTP",
		Long: "serve replays recent runs from Postgres or Redis and then follows the\n" +
			"Redis channel, pushing every new run to websocket clients.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.API.Listen == "" {
				return errors.New("serve needs api.listen (--listen)")
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("listen", "", "HTTP listen address")
	cmd.Flags().String("redis", "", "Redis address to follow")
	cmd.Flags().String("postgres", "", "Postgres DSN to backfill from")
	bind(cmd, "api.listen", "listen")
	bind(cmd, "store.redis_addr", "redis")
	bind(cmd, "store.postgres_dsn", "postgres")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	srv := api.NewServer(api.Options{JWTSecret: cfg.API.JWTSecret, Gatherer: newRegistry(), Log: log})
	if cfg.API.JWTSecret == "" {
		log.Warn("api.jwt_secret is empty, /runs and /ws are unauthenticated")
	}

	var pub *cache.Publisher
	if cfg.Store.RedisAddr != "" {
		var err error
		if pub, err = cache.Dial(ctx, cfg.Store.RedisAddr, cfg.Store.RedisChannel, log); err != nil {
			return err
		}
		defer pub.Close()
	}

	backlog, err := backfill(ctx, cfg, pub)
	if err != nil {
		return err
	}
	// Oldest first so the server's ring ends with the newest run.
	for i := len(backlog) - 1; i >= 0; i-- {
		srv.Record(ctx, backlog[i])
	}
	log.WithField("runs", len(backlog)).Info("Backfilled runs")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.API.Listen) })
	if pub != nil {
		g.Go(func() error {
			return pub.Subscribe(ctx, func(res report.FuzzingRunResult) {
				srv.Record(ctx, res)
			})
		})
	}
	return g.Wait()
}

// backfill loads recent runs, newest first, preferring Postgres.
func backfill(ctx context.Context, cfg *config.Config, pub *cache.Publisher) ([]report.FuzzingRunResult, error) {
	if cfg.Store.PostgresDSN != "" {
		rdb, err := db.Open(ctx, cfg.Store.PostgresDSN, log)
		if err != nil {
			return nil, err
		}
		defer rdb.Close()
		runs, err := rdb.QueryRuns(ctx, db.QueryOptions{Limit: api.DefaultKeep})
		if errors.Is(err, db.ErrSchemaMissing) {
			log.Warn("No fuzz_runs table yet, nothing to backfill")
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("backfill: %w", err)
		}
		out := make([]report.FuzzingRunResult, 0, len(runs))
		for _, r := range runs {
			out = append(out, r.FuzzingRunResult)
		}
		return out, nil
	}
	if pub != nil {
		return pub.RecentRuns(ctx, api.DefaultKeep)
	}
	return nil, nil
}
