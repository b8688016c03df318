package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pulseworm/pkg/api"
	"pulseworm/pkg/cache"
	"pulseworm/pkg/config"
	"pulseworm/pkg/corpus"
	"pulseworm/pkg/db"
	"pulseworm/pkg/evasion"
	engine "pulseworm/pkg/fuzzer-engine"
	"pulseworm/pkg/metrics"
	"pulseworm/pkg/oracle"
	"pulseworm/pkg/report"
	"pulseworm/pkg/scan"
)

// runtime is everything a scan needs besides its targets.
type runtime struct {
	scheduler *engine.Scheduler
	cleanup   []func()
}

func (r *runtime) close() {
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		r.cleanup[i]()
	}
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// buildRuntime wires the oracle, the scheduler and every configured sink.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	rt := &runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.close()
		}
	}()

	reg := newRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	profile, err := cfg.Profile()
	if err != nil {
		return nil, err
	}

	o := oracle.NewNet(cfg.Fuzz.ReadSize)
	o.OnHintError = func(hint string, err error) {
		log.WithField("hint", hint).WithError(err).Debug("Transport hint not applied")
	}

	sched := engine.NewScheduler(engine.Config{
		Workers: cfg.Scan.Workers,
		Params:  cfg.Params(),
		Fuzz:    cfg.Fuzz.Enabled,
		Evasion: profile,
		Seed:    cfg.Fuzz.Seed,
	}, o, log)
	sched.Metrics = m
	sched.NewDiscoverer = func(rng *rand.Rand, ev *evasion.Engine) engine.Discoverer {
		return scan.NewScanner(scan.Options{
			Ports:    cfg.Ports(),
			UDPPorts: cfg.UDPPorts(),
			Timeout:  cfg.Scan.Timeout,
			Limiter:  scan.PacingLimiter(cfg.Evasion.StealthLevel),
			Rand:     rng,
			Log:      log,
			Evasion:  ev,
		})
	}

	if cfg.Store.PostgresDSN != "" {
		rdb, err := db.Open(ctx, cfg.Store.PostgresDSN, log)
		if err != nil {
			return nil, err
		}
		rt.cleanup = append(rt.cleanup, func() { rdb.Close() })
		if err := rdb.CreateSchema(ctx); err != nil {
			return nil, err
		}
		sched.Sinks = append(sched.Sinks, rdb)
	}
	if cfg.Store.RedisAddr != "" {
		pub, err := cache.Dial(ctx, cfg.Store.RedisAddr, cfg.Store.RedisChannel, log)
		if err != nil {
			return nil, err
		}
		rt.cleanup = append(rt.cleanup, func() { pub.Close() })
		sched.Sinks = append(sched.Sinks, pub)
	}
	if cfg.Fuzz.CrashDir != "" {
		w, err := corpus.NewWriter(cfg.Fuzz.CrashDir, log)
		if err != nil {
			return nil, err
		}
		sched.Sinks = append(sched.Sinks, w)
	}
	if cfg.API.Listen != "" {
		srv := api.NewServer(api.Options{JWTSecret: cfg.API.JWTSecret, Gatherer: reg, Log: log})
		sched.Sinks = append(sched.Sinks, srv)
		rt.cleanup = append(rt.cleanup, serveInBackground(srv, cfg.API.Listen))
	}

	rt.scheduler = sched
	ok = true
	return rt, nil
}

// serveInBackground runs the API until the returned stop func is called.
func serveInBackground(srv *api.Server, addr string) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("API server failed")
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// sinkNames is used for the startup log line.
func sinkNames(sinks []report.Sink) []string {
	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, fmt.Sprintf("%T", s))
	}
	return names
}
