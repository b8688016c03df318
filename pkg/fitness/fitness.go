// Package fitness scores how interesting a server's reply to a payload is.
package fitness

import (
	"bytes"
	"math/rand"

	"pulseworm/pkg/proto"
)

const (
	LengthAnomalyScore     = 25.0
	ErrorMarkerScore       = 15.0
	ProtocolViolationScore = 20.0
	MaxJitter              = 10.0

	// Replies shorter than MinNormalLength or longer than MaxNormalLength
	// are length anomalies.
	MinNormalLength = 10
	MaxNormalLength = 1024

	// DefaultAnomalyThreshold is the score above which a reply counts as an anomaly.
	DefaultAnomalyThreshold = 50.0
)

// ErrorMarkers are matched case-insensitively anywhere in a reply.
var ErrorMarkers = [][]byte{
	[]byte("error"),
	[]byte("exception"),
	[]byte("fail"),
	[]byte("invalid"),
	[]byte("crash"),
}

// Evaluator scores (payload, response) pairs for one protocol.
// It is not safe for concurrent use.
type Evaluator struct {
	protocol proto.Protocol
	rng      *rand.Rand
}

// NewEvaluator returns an evaluator. A nil rng disables the timing jitter.
func NewEvaluator(p proto.Protocol, rng *rand.Rand) *Evaluator {
	return &Evaluator{protocol: p, rng: rng}
}

// Score returns the deterministic score plus a jitter in [0, MaxJitter)
// standing in for unmeasured timing variance.
func (e *Evaluator) Score(payload, response []byte) float64 {
	s := Deterministic(e.protocol, payload, response)
	if e.rng != nil {
		s += e.rng.Float64() * MaxJitter
	}
	return s
}

// Deterministic is the additive score without jitter. An empty response
// (no reply) always trips the length anomaly and, when p has a signature,
// the protocol violation, so it never scores below a conforming reply.
func Deterministic(p proto.Protocol, payload, response []byte) float64 {
	var score float64
	if len(response) < MinNormalLength || len(response) > MaxNormalLength {
		score += LengthAnomalyScore
	}
	if len(response) > 0 {
		lower := bytes.ToLower(response)
		for _, marker := range ErrorMarkers {
			score += ErrorMarkerScore * float64(bytes.Count(lower, marker))
		}
	}
	if proto.HasSignature(p) && !proto.MatchesSignature(p, response) {
		score += ProtocolViolationScore
	}
	return score
}
