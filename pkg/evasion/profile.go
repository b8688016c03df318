package evasion

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

const (
	MinStealthLevel = 1
	MaxStealthLevel = 4
)

var ErrInvalidProfile = errors.New("invalid evasion profile")

// Profile selects which techniques may fire and how likely each one is.
// A Profile is immutable once built; share it freely between engines.
type Profile struct {
	stealth int
	weights map[Technique]float64
}

// Capabilities describes what the transport underneath an Engine can do.
type Capabilities struct {
	// RawPackets is true when the transport can build IP packets itself.
	RawPackets bool
}

// NewProfile builds a profile from a stealth level and weight overrides.
// Techniques missing from weights keep their default weight.
func NewProfile(stealth int, weights map[Technique]float64) (Profile, error) {
	if stealth < MinStealthLevel || stealth > MaxStealthLevel {
		return Profile{}, fmt.Errorf("%w: stealth level %d outside [%d,%d]",
			ErrInvalidProfile, stealth, MinStealthLevel, MaxStealthLevel)
	}
	w := make(map[Technique]float64, len(DefaultWeights))
	for t, v := range DefaultWeights {
		w[t] = v
	}
	for t, v := range weights {
		if _, ok := DefaultWeights[t]; !ok {
			return Profile{}, fmt.Errorf("%w: %q", ErrUnknownTechnique, t)
		}
		if v < 0 || v > 1 {
			return Profile{}, fmt.Errorf("%w: weight %.2f for %s outside [0,1]", ErrInvalidProfile, v, t)
		}
		w[t] = v
	}
	return Profile{stealth: stealth, weights: w}, nil
}

// DefaultProfile uses the default weights at the given stealth level.
func DefaultProfile(stealth int) (Profile, error) {
	return NewProfile(stealth, nil)
}

func (p Profile) StealthLevel() int { return p.stealth }

// Weight returns the configured weight of t before stealth scaling.
func (p Profile) Weight(t Technique) float64 { return p.weights[t] }

// ActivationProbability is the chance t fires in one weighted draw.
func (p Profile) ActivationProbability(t Technique) float64 {
	return p.weights[t] * float64(p.stealth) / MaxStealthLevel
}

type profileFile struct {
	StealthLevel int                `yaml:"stealth_level"`
	Techniques   map[string]float64 `yaml:"techniques"`
	Disabled     []string           `yaml:"disabled"`
}

// ParseProfile reads a YAML profile:
//
//	stealth_level: 3
//	techniques:
//	  packet_padding: 0.9
//	disabled: [source_spoofing]
//
// stealthDefault is used when the document does not set a level.
func ParseProfile(data []byte, stealthDefault int) (Profile, error) {
	var f profileFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if f.StealthLevel == 0 {
		f.StealthLevel = stealthDefault
	}
	weights := make(map[Technique]float64, len(f.Techniques)+len(f.Disabled))
	for name, w := range f.Techniques {
		t, err := ParseTechnique(name)
		if err != nil {
			return Profile{}, err
		}
		weights[t] = w
	}
	for _, name := range f.Disabled {
		t, err := ParseTechnique(name)
		if err != nil {
			return Profile{}, err
		}
		weights[t] = 0
	}
	return NewProfile(f.StealthLevel, weights)
}

// LoadProfile reads a YAML profile from disk.
func LoadProfile(path string, stealthDefault int) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read evasion profile: %w", err)
	}
	return ParseProfile(data, stealthDefault)
}
