package evasion

import (
	"math/rand"
	"sort"

	"pulseworm/pkg/proto"
)

const (
	// FragmentSegments is how many writes a fragmentation hint degrades to
	// when the transport cannot build IP fragments.
	FragmentSegments = 8

	minSpliceSegments = 2
	maxSpliceSegments = 8

	minTTL = 32
	maxTTL = 255
)

// TransportHints carry the techniques a byte transform cannot express.
// The zero value means "send as is".
type TransportHints struct {
	// Fragment asks for IP-level fragmentation. Only set when the transport
	// advertised raw packet support.
	Fragment bool
	// SpoofSource asks for a forged source address. Only set when the
	// transport advertised raw packet support.
	SpoofSource bool
	// SpliceSegments > 1 splits a stream write into that many segments.
	SpliceSegments int
	// TTL > 0 overrides the IP time-to-live of the socket.
	TTL int
}

// Empty reports whether the hints ask for nothing.
func (h TransportHints) Empty() bool {
	return h == TransportHints{}
}

// Result is a transformed payload ready for the transport.
type Result struct {
	Payload    []byte
	Hints      TransportHints
	Techniques []Technique
}

// Engine applies a Profile to payloads. It is not safe for concurrent use:
// every fuzzing pipeline owns its own Engine built from a shared Profile.
type Engine struct {
	profile  Profile
	caps     Capabilities
	rng      *rand.Rand
	counters Counters
}

// NewEngine returns an Engine bound to the given transport capabilities.
func NewEngine(profile Profile, caps Capabilities, rng *rand.Rand) *Engine {
	return &Engine{
		profile:  profile,
		caps:     caps,
		rng:      rng,
		counters: make(Counters, len(Techniques)),
	}
}

func (e *Engine) Profile() Profile { return e.profile }

func (e *Engine) Capabilities() Capabilities { return e.caps }

// Counters returns a snapshot of the engine's usage counters.
func (e *Engine) Counters() Counters { return e.counters.Clone() }

// SelectTechniques draws the techniques for one payload. At stealth level 1
// it samples exactly two distinct techniques from the first four table
// entries. Otherwise every technique fires independently with probability
// weight*stealth/4, falling back to FallbackTechnique when none does.
// The result is in table order.
func (e *Engine) SelectTechniques() []Technique {
	var selected []Technique
	if e.profile.stealth == MinStealthLevel {
		for _, i := range e.rng.Perm(aggressivePool)[:aggressiveSample] {
			selected = append(selected, Techniques[i])
		}
		sort.Slice(selected, func(a, b int) bool {
			return indexOf(selected[a]) < indexOf(selected[b])
		})
	} else {
		for _, t := range Techniques {
			if e.rng.Float64() < e.profile.ActivationProbability(t) {
				selected = append(selected, t)
			}
		}
		if len(selected) == 0 {
			selected = []Technique{FallbackTechnique}
		}
	}
	for _, t := range selected {
		e.counters.bump(t, func(u *Usage) { u.Selected++ })
	}
	return selected
}

// Apply selects techniques and applies them to payload.
func (e *Engine) Apply(payload []byte, p proto.Protocol) Result {
	return e.Transform(payload, p, e.SelectTechniques())
}

// Transform applies the given techniques in table order. It never fails and
// never modifies payload.
func (e *Engine) Transform(payload []byte, p proto.Protocol, techniques []Technique) Result {
	active := make(map[Technique]bool, len(techniques))
	for _, t := range techniques {
		active[t] = true
	}

	out := append([]byte(nil), payload...)
	res := Result{}
	for _, t := range Techniques {
		if !active[t] {
			continue
		}
		applied := true
		switch t {
		case Fragmentation:
			if e.caps.RawPackets {
				res.Hints.Fragment = true
			} else {
				res.Hints.SpliceSegments = max(res.Hints.SpliceSegments, FragmentSegments)
			}
		case SourceSpoofing:
			if e.caps.RawPackets {
				res.Hints.SpoofSource = true
			} else {
				applied = false
				e.counters.bump(t, func(u *Usage) { u.Unrealized++ })
			}
		case TTLManipulation:
			res.Hints.TTL = minTTL + e.rng.Intn(maxTTL-minTTL+1)
		case SessionSplicing:
			n := minSpliceSegments + e.rng.Intn(maxSpliceSegments-minSpliceSegments+1)
			res.Hints.SpliceSegments = max(res.Hints.SpliceSegments, n)
		case ProtocolTunneling:
			out = tunnelRecord(out)
		case TrafficMorphing:
			kinds := morphKinds(p)
			out = e.mimic(out, kinds[e.rng.Intn(len(kinds))])
		case PacketPadding:
			out = e.pad(out)
		case DNSTunneling:
			if p == proto.HTTP || p == proto.SMB {
				out = dnsTunnel(out)
			} else {
				applied = false
			}
		case HTTPObfuscation:
			if p == proto.SMB || p == proto.RDP {
				out = e.multipart(out)
			} else {
				applied = false
			}
		case ICMPCovert:
			out = e.mimic(out, mimicICMP)
		case CryptoStealth:
			out = seal(out)
		case ProtocolMisattribution:
			out, applied = misattribute(out, p)
		}
		if applied {
			res.Techniques = append(res.Techniques, t)
			e.counters.bump(t, func(u *Usage) { u.Applied++ })
		}
	}
	res.Payload = out
	return res
}
