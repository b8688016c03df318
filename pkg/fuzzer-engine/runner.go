package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"pulseworm/pkg/evasion"
	"pulseworm/pkg/fitness"
	"pulseworm/pkg/metrics"
	"pulseworm/pkg/oracle"
	"pulseworm/pkg/proto"
	"pulseworm/pkg/report"
)

// Runner drives one fuzzing run: seed, evaluate, evolve, repeat. Everything
// it touches belongs to that run alone.
type Runner struct {
	Oracle  oracle.Oracle
	Evasion *evasion.Engine // nil sends payloads untransformed
	Params  Params
	Log     logrus.FieldLogger
	Metrics *metrics.Collectors

	rng *rand.Rand
}

func NewRunner(o oracle.Oracle, ev *evasion.Engine, params Params, rng *rand.Rand, log logrus.FieldLogger) *Runner {
	return &Runner{
		Oracle:  o,
		Evasion: ev,
		Params:  params,
		Log:     log,
		rng:     rng,
	}
}

// Run fuzzes target with a population seeded from seed and returns the
// counts of the last evaluated generation. Only local resource failures
// and context cancellation end a run early with an error.
func (r *Runner) Run(ctx context.Context, target oracle.Target, p proto.Protocol, seed []byte) (report.FuzzingRunResult, error) {
	res := report.FuzzingRunResult{
		Target:          target.Host,
		Port:            target.Port,
		Protocol:        p,
		GenerationCount: r.Params.Generations,
		StartedAt:       time.Now().UTC(),
	}
	log := r.Log.WithFields(logrus.Fields{
		"target":   target.Addr(),
		"protocol": p,
	})

	eval := fitness.NewEvaluator(p, r.rng)
	pop := NewPopulation(seed, r.Params.PopulationSize, r.Params.MutationRate, r.rng)

	scored, err := r.evaluate(ctx, target, p, pop, eval)
	if err != nil {
		return res, err
	}
	for g := 1; g <= r.Params.Generations; g++ {
		log.WithField("generation", g).Debug("Evolving population")
		pop.Evolve(scored)
		if scored, err = r.evaluate(ctx, target, p, pop, eval); err != nil {
			return res, err
		}
		r.Metrics.GenerationDone(p.String())
	}

	r.tally(&res, pop, scored)
	res.FinishedAt = time.Now().UTC()
	r.Metrics.RunDone(p.String(), res.CrashCount, res.AnomalyCount)

	entry := log.WithFields(logrus.Fields{
		"crashes":   res.CrashCount,
		"anomalies": res.AnomalyCount,
		"tested":    res.TestedPayloadCount,
	})
	if res.Findings() {
		entry.Warn("Fuzzing found crashes or anomalies")
	} else {
		entry.Info("Fuzzing finished")
	}
	return res, nil
}

// evaluate sends every distinct candidate once and scores the reply.
func (r *Runner) evaluate(ctx context.Context, target oracle.Target, p proto.Protocol, pop *Population, eval *fitness.Evaluator) (*ResponseMap, error) {
	scored := NewResponseMap(pop.Len())
	for _, payload := range pop.Members() {
		if _, seen := scored.Get(payload); seen {
			continue
		}
		if err := ctx.Err(); err != nil {
			return scored, err
		}

		wire, hints := payload, evasion.TransportHints{}
		if r.Evasion != nil {
			out := r.Evasion.Apply(payload, p)
			wire, hints = out.Payload, out.Hints
			for _, t := range out.Techniques {
				r.Metrics.TechniqueApplied(string(t))
			}
		}

		start := time.Now()
		resp, err := r.Oracle.Send(ctx, target, wire, hints, r.Params.Timeout)
		if err != nil {
			return scored, err
		}
		r.Metrics.PayloadSent(p.String(), time.Since(start))

		scored.Put(Evaluation{
			Payload:  payload,
			Response: resp,
			Fitness:  eval.Score(payload, resp),
		})
	}
	return scored, nil
}

// tally counts the final generation member by member. An empty reply is a
// crash and never also an anomaly.
func (r *Runner) tally(res *report.FuzzingRunResult, pop *Population, scored *ResponseMap) {
	res.TestedPayloadCount = pop.Len()
	seen := make(map[string]struct{})
	for _, payload := range pop.Members() {
		ev, ok := scored.Get(payload)
		if !ok {
			continue
		}
		switch {
		case len(ev.Response) == 0:
			res.CrashCount++
			if _, dup := seen[string(payload)]; !dup {
				seen[string(payload)] = struct{}{}
				res.CrashPayloads = append(res.CrashPayloads, payload)
			}
		case ev.Fitness > r.Params.AnomalyThreshold:
			res.AnomalyCount++
		}
	}
}
