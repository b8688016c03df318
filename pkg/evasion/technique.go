// Package evasion decouples what bytes a fuzzer sends from how they look on
// the wire. An Engine picks a set of techniques per payload and applies them
// in table order, returning the transformed bytes plus the transport hints
// that cannot be expressed as a byte transform.
package evasion

import (
	"errors"
	"fmt"
)

// Technique names one transformation.
type Technique string

const (
	Fragmentation          Technique = "fragmentation"
	ProtocolTunneling      Technique = "protocol_tunneling"
	TrafficMorphing        Technique = "traffic_morphing"
	PacketPadding          Technique = "packet_padding"
	SourceSpoofing         Technique = "source_spoofing"
	TTLManipulation        Technique = "ttl_manipulation"
	DNSTunneling           Technique = "dns_tunneling"
	HTTPObfuscation        Technique = "http_obfuscation"
	ICMPCovert             Technique = "icmp_covert"
	SessionSplicing        Technique = "session_splicing"
	CryptoStealth          Technique = "crypto_stealth"
	ProtocolMisattribution Technique = "protocol_misattribution"
)

// Techniques is the technique table. Its order is the application order.
var Techniques = []Technique{
	Fragmentation,
	ProtocolTunneling,
	TrafficMorphing,
	PacketPadding,
	SourceSpoofing,
	TTLManipulation,
	DNSTunneling,
	HTTPObfuscation,
	ICMPCovert,
	SessionSplicing,
	CryptoStealth,
	ProtocolMisattribution,
}

// FallbackTechnique is used when the weighted draw activates nothing.
const FallbackTechnique = TrafficMorphing

// aggressivePool is how many leading table entries stealth level 1 samples from.
const (
	aggressivePool   = 4
	aggressiveSample = 2
)

// DefaultWeights are the activation weights at stealth level 4.
var DefaultWeights = map[Technique]float64{
	Fragmentation:          0.8,
	ProtocolTunneling:      0.6,
	TrafficMorphing:        0.9,
	PacketPadding:          0.7,
	SourceSpoofing:         0.5,
	TTLManipulation:        0.4,
	DNSTunneling:           0.3,
	HTTPObfuscation:        0.6,
	ICMPCovert:             0.2,
	SessionSplicing:        0.4,
	CryptoStealth:          0.3,
	ProtocolMisattribution: 0.5,
}

var ErrUnknownTechnique = errors.New("unknown evasion technique")

// ParseTechnique validates a technique name.
func ParseTechnique(name string) (Technique, error) {
	t := Technique(name)
	if _, ok := DefaultWeights[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTechnique, name)
	}
	return t, nil
}

// TransportOnly reports whether t is realised by the transport rather than
// as a byte transform.
func (t Technique) TransportOnly() bool {
	switch t {
	case Fragmentation, SourceSpoofing, TTLManipulation, SessionSplicing:
		return true
	}
	return false
}

func indexOf(t Technique) int {
	for i, tt := range Techniques {
		if tt == t {
			return i
		}
	}
	return -1
}
