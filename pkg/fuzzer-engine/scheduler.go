// Package engine runs the evolutionary fuzzing loop against live services
// and schedules one independent pipeline per target.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"pulseworm/pkg/evasion"
	"pulseworm/pkg/metrics"
	"pulseworm/pkg/oracle"
	"pulseworm/pkg/proto"
	"pulseworm/pkg/report"
)

// ---------------------------------------------------------
// CONFIGURATION & CONSTANTS
// ---------------------------------------------------------

const DefaultWorkers = 100

var ErrNoTargets = errors.New("engine: no targets")

// Job is one (host, port, protocol) triple to fuzz.
type Job struct {
	Target   oracle.Target
	Protocol proto.Protocol
}

// Discoverer probes the services of a host. A fresh one is built for every
// target pipeline.
type Discoverer interface {
	Discover(ctx context.Context, host string) (report.Discovery, error)
}

// DiscovererFunc builds the Discoverer of one pipeline. ev is the
// pipeline's evasion engine and may be nil.
type DiscovererFunc func(rng *rand.Rand, ev *evasion.Engine) Discoverer

type Config struct {
	Workers int
	Params  Params
	// Fuzz enables the genetic search on discovered services.
	Fuzz bool
	// Evasion is the profile every pipeline builds its own engine from.
	// Nil sends payloads untransformed.
	Evasion *evasion.Profile
	// Seed makes pipelines reproducible. Zero seeds from the clock.
	Seed int64
}

// Scheduler fans targets out over a bounded worker pool. Pipelines share
// nothing but the oracle, the sinks and the metrics.
type Scheduler struct {
	Config        Config
	Oracle        oracle.Oracle
	NewDiscoverer DiscovererFunc
	Sinks         []report.Sink
	Log           logrus.FieldLogger
	Metrics       *metrics.Collectors
}

func NewScheduler(cfg Config, o oracle.Oracle, log logrus.FieldLogger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{Config: cfg, Oracle: o, Log: log}
}

// task is the unit handed to the pool.
type task struct {
	index int
	host  string
	jobs  []Job // nil means discover first
}

// ---------------------------------------------------------
// ENTRY POINTS
// ---------------------------------------------------------

// Scan discovers and fuzzes every host. A failing host is recorded in its
// TargetReport and never stops the others.
func (s *Scheduler) Scan(ctx context.Context, hosts []string) (*report.ScanReport, error) {
	if len(hosts) == 0 {
		return nil, ErrNoTargets
	}
	if s.NewDiscoverer == nil {
		return nil, errors.New("engine: scan needs a discoverer")
	}
	tasks := make([]task, len(hosts))
	for i, h := range hosts {
		tasks[i] = task{index: i, host: h}
	}
	return s.run(ctx, tasks)
}

// Fuzz runs the genetic search on known services directly. Jobs on the
// same host share one pipeline.
func (s *Scheduler) Fuzz(ctx context.Context, jobs []Job) (*report.ScanReport, error) {
	if len(jobs) == 0 {
		return nil, ErrNoTargets
	}
	var tasks []task
	byHost := make(map[string]int)
	for _, j := range jobs {
		i, ok := byHost[j.Target.Host]
		if !ok {
			i = len(tasks)
			byHost[j.Target.Host] = i
			tasks = append(tasks, task{index: i, host: j.Target.Host})
		}
		tasks[i].jobs = append(tasks[i].jobs, j)
	}
	return s.run(ctx, tasks)
}

// ---------------------------------------------------------
// WORKER POOL
// ---------------------------------------------------------

func (s *Scheduler) run(ctx context.Context, tasks []task) (*report.ScanReport, error) {
	rep := &report.ScanReport{
		StartedAt: time.Now().UTC(),
		Targets:   make([]report.TargetReport, len(tasks)),
	}
	var mu sync.Mutex
	counters := make(evasion.Counters)

	s.Log.WithFields(logrus.Fields{
		"targets": len(tasks),
		"workers": s.Config.Workers,
	}).Info("Starting scan")

	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(s.Config.Workers, func(item interface{}) {
		defer wg.Done()
		t := item.(task)
		tr, used := s.pipeline(ctx, t)
		rep.Targets[t.index] = tr
		mu.Lock()
		counters.Merge(used)
		mu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("engine: worker pool: %w", err)
	}
	defer pool.Release()

	for _, t := range tasks {
		if ctx.Err() != nil {
			rep.Targets[t.index] = report.TargetReport{Host: t.host, Error: ctx.Err().Error()}
			continue
		}
		wg.Add(1)
		if err := pool.Invoke(t); err != nil {
			wg.Done()
			rep.Targets[t.index] = report.TargetReport{Host: t.host, Error: err.Error()}
		}
	}
	wg.Wait()

	rep.FinishedAt = time.Now().UTC()
	rep.Evasion = counters
	return rep, ctx.Err()
}

// pipeline is one target's sequential scan-and-fuzz run. It owns its rng,
// evasion engine and population; nothing here is shared with other targets.
func (s *Scheduler) pipeline(ctx context.Context, t task) (tr report.TargetReport, used evasion.Counters) {
	tr.Host = t.host
	log := s.Log.WithField("host", t.host)
	defer s.Metrics.TargetStarted()()
	defer func() {
		if r := recover(); r != nil {
			tr.Error = fmt.Sprintf("panic: %v", r)
		}
		if tr.Error != "" {
			s.Metrics.TargetFailed()
			log.WithField("error", tr.Error).Error("Target pipeline failed")
		}
	}()

	rng := s.rngFor(t.index)
	var ev *evasion.Engine
	if s.Config.Evasion != nil {
		ev = evasion.NewEngine(*s.Config.Evasion, capabilitiesOf(s.Oracle), rng)
		defer func() { used = ev.Counters() }()
	}

	jobs := t.jobs
	if jobs == nil {
		found, err := s.NewDiscoverer(rng, ev).Discover(ctx, t.host)
		tr.Services = found.Services
		tr.DNS = found.DNS
		if err != nil {
			tr.Error = err.Error()
			return tr, nil
		}
		for _, svc := range found.Services {
			if !svc.Open() {
				continue
			}
			s.Metrics.ServiceFound(svc.Protocol.String())
			if s.Config.Fuzz && svc.Protocol.Known() {
				jobs = append(jobs, Job{
					Target:   oracle.Target{Host: t.host, Port: svc.Port, Network: svc.Network},
					Protocol: svc.Protocol,
				})
			}
		}
	} else {
		for _, j := range jobs {
			tr.Services = append(tr.Services, report.Service{
				Port:     j.Target.Port,
				Network:  networkOf(j.Target),
				Status:   report.StatusAssumed,
				Protocol: j.Protocol,
			})
		}
	}

	templates := proto.NewTemplateProvider(rng)
	for _, j := range jobs {
		runner := NewRunner(s.Oracle, ev, s.Config.Params, rng, log)
		runner.Metrics = s.Metrics
		res, err := runner.Run(ctx, j.Target, j.Protocol, templates.Template(j.Protocol))
		if err != nil {
			tr.Error = fmt.Sprintf("fuzz %s: %v", j.Target.Addr(), err)
			return tr, nil
		}
		tr.Fuzzing = append(tr.Fuzzing, res)
		s.record(ctx, log, res)
	}
	return tr, nil
}

func (s *Scheduler) record(ctx context.Context, log logrus.FieldLogger, res report.FuzzingRunResult) {
	for _, sink := range s.Sinks {
		if err := sink.Record(ctx, res); err != nil {
			log.WithError(err).WithField("port", res.Port).Warn("Result sink failed")
		}
	}
}

func (s *Scheduler) rngFor(index int) *rand.Rand {
	seed := s.Config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed + int64(index)))
}

func capabilitiesOf(o oracle.Oracle) evasion.Capabilities {
	if c, ok := o.(interface{ Capabilities() evasion.Capabilities }); ok {
		return c.Capabilities()
	}
	return evasion.Capabilities{}
}

func networkOf(t oracle.Target) string {
	if t.Network == "" {
		return "tcp"
	}
	return t.Network
}
