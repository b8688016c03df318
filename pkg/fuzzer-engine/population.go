package engine

import (
	"math"
	"math/rand"
	"time"

	"pulseworm/pkg/fitness"
)

// ---------------------------------------------------------
// SEARCH PARAMETERS
// ---------------------------------------------------------

const (
	DefaultPopulationSize = 50
	DefaultMutationRate   = 0.15
	DefaultGenerations    = 10
	DefaultTimeout        = 2 * time.Second

	// InitFlipRate is the share of seed bytes randomized per initial candidate.
	InitFlipRate = 0.3
	// CrossoverProb and MutationProb apply once per selection step.
	CrossoverProb = 0.7
	MutationProb  = 0.4
)

// Params configure one fuzzing run. They are validated by the caller.
type Params struct {
	PopulationSize   int
	MutationRate     float64
	Generations      int
	Timeout          time.Duration
	AnomalyThreshold float64
}

func DefaultParams() Params {
	return Params{
		PopulationSize:   DefaultPopulationSize,
		MutationRate:     DefaultMutationRate,
		Generations:      DefaultGenerations,
		Timeout:          DefaultTimeout,
		AnomalyThreshold: fitness.DefaultAnomalyThreshold,
	}
}

// ---------------------------------------------------------
// GENETIC OPERATORS
// ---------------------------------------------------------

// Crossover splices a's prefix onto b's suffix at a split point drawn
// uniformly from [1, min(len(a), len(b))-1]. Parents shorter than two bytes
// cannot be split, so a copy of a is returned.
func Crossover(rng *rand.Rand, a, b []byte) []byte {
	shorter := min(len(a), len(b))
	if shorter < 2 {
		return clone(a)
	}
	s := 1 + rng.Intn(shorter-1)
	child := make([]byte, 0, len(b))
	child = append(child, a[:s]...)
	return append(child, b[s:]...)
}

// Mutate returns a copy of payload with max(1, round(len*rate)) distinct
// positions set to fresh random bytes. An empty payload is returned as is.
func Mutate(rng *rand.Rand, payload []byte, rate float64) []byte {
	out := clone(payload)
	if len(out) == 0 {
		return out
	}
	n := max(1, int(math.Round(float64(len(out))*rate)))
	randomize(rng, out, n)
	return out
}

// randomize overwrites n distinct positions of b.
func randomize(rng *rand.Rand, b []byte, n int) {
	n = min(n, len(b))
	for _, i := range rng.Perm(len(b))[:n] {
		b[i] = byte(rng.Intn(256))
	}
}

func clone(b []byte) []byte {
	return append(make([]byte, 0, len(b)), b...)
}

// ---------------------------------------------------------
// POPULATION
// ---------------------------------------------------------

// Population is the current generation of candidate payloads. It belongs to
// a single fuzzing run and is not safe for concurrent use.
type Population struct {
	members [][]byte
	size    int
	rate    float64
	rng     *rand.Rand
}

// NewPopulation seeds size candidates from seed, each with ~30% of its
// bytes randomized independently.
func NewPopulation(seed []byte, size int, rate float64, rng *rand.Rand) *Population {
	p := &Population{
		members: make([][]byte, 0, size),
		size:    size,
		rate:    rate,
		rng:     rng,
	}
	flips := int(math.Round(float64(len(seed)) * InitFlipRate))
	for i := 0; i < size; i++ {
		c := clone(seed)
		if len(c) > 0 {
			randomize(rng, c, max(1, flips))
		}
		p.members = append(p.members, c)
	}
	return p
}

func (p *Population) Len() int { return len(p.members) }

// Members returns the candidates in order. Callers must not modify them.
func (p *Population) Members() [][]byte { return p.members }

// Evolve replaces the population with the next generation bred from the
// scored results. With nothing scored the population is kept unchanged.
func (p *Population) Evolve(scored *ResponseMap) {
	pool := scored.Entries()
	if len(pool) == 0 {
		return
	}

	next := make([][]byte, 0, p.size+1)
	for len(next) < p.size {
		next = append(next, clone(p.tournament(pool).Payload))

		if p.rng.Float64() < CrossoverProb {
			a := next[p.rng.Intn(len(next))]
			b := next[p.rng.Intn(len(next))]
			next = append(next, Crossover(p.rng, a, b))
		}
		if p.rng.Float64() < MutationProb {
			i := p.rng.Intn(len(next))
			next[i] = Mutate(p.rng, next[i], p.rate)
		}
	}
	// Crossover can overshoot by one.
	p.members = next[:p.size]
}

// tournament draws two distinct entries (one if only one exists) and keeps
// the fitter. Ties go to the first draw.
func (p *Population) tournament(pool []Evaluation) Evaluation {
	n := len(pool)
	i := p.rng.Intn(n)
	if n == 1 {
		return pool[i]
	}
	j := p.rng.Intn(n - 1)
	if j >= i {
		j++
	}
	if pool[j].Fitness > pool[i].Fitness {
		return pool[j]
	}
	return pool[i]
}

// ---------------------------------------------------------
// RESPONSE MAP
// ---------------------------------------------------------

// Evaluation is one scored exchange.
type Evaluation struct {
	Payload  []byte
	Response []byte
	Fitness  float64
}

// ResponseMap records one generation's exchanges keyed by payload content,
// preserving first-insertion order.
type ResponseMap struct {
	index   map[string]int
	entries []Evaluation
}

func NewResponseMap(capacity int) *ResponseMap {
	return &ResponseMap{
		index:   make(map[string]int, capacity),
		entries: make([]Evaluation, 0, capacity),
	}
}

// Put records ev, replacing any earlier entry for the same payload.
func (m *ResponseMap) Put(ev Evaluation) {
	if i, ok := m.index[string(ev.Payload)]; ok {
		m.entries[i] = ev
		return
	}
	m.index[string(ev.Payload)] = len(m.entries)
	m.entries = append(m.entries, ev)
}

func (m *ResponseMap) Get(payload []byte) (Evaluation, bool) {
	i, ok := m.index[string(payload)]
	if !ok {
		return Evaluation{}, false
	}
	return m.entries[i], true
}

func (m *ResponseMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Entries returns the evaluations in insertion order.
func (m *ResponseMap) Entries() []Evaluation {
	if m == nil {
		return nil
	}
	return m.entries
}
