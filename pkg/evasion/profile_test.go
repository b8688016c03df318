package evasion

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProfileValidation(t *testing.T) {
	_, err := NewProfile(0, nil)
	assert.ErrorIs(t, err, ErrInvalidProfile)
	_, err = NewProfile(5, nil)
	assert.ErrorIs(t, err, ErrInvalidProfile)
	_, err = NewProfile(2, map[Technique]float64{"teleport": 0.5})
	assert.ErrorIs(t, err, ErrUnknownTechnique)
	_, err = NewProfile(2, map[Technique]float64{PacketPadding: 1.5})
	assert.ErrorIs(t, err, ErrInvalidProfile)

	p, err := NewProfile(2, map[Technique]float64{PacketPadding: 0.1})
	require.NoError(t, err)
	assert.Equal(t, 0.1, p.Weight(PacketPadding))
	assert.Equal(t, DefaultWeights[TrafficMorphing], p.Weight(TrafficMorphing))
	assert.InDelta(t, 0.05, p.ActivationProbability(PacketPadding), 1e-9)
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	doc := "stealth_level: 3\ntechniques:\n  packet_padding: 0.25\ndisabled:\n  - source_spoofing\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	p, err := LoadProfile(path, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, p.StealthLevel())
	assert.Equal(t, 0.25, p.Weight(PacketPadding))
	assert.Zero(t, p.Weight(SourceSpoofing))

	p, err = ParseProfile([]byte("techniques: {}\n"), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, p.StealthLevel())

	_, err = ParseProfile([]byte("techniques:\n  warp_drive: 1\n"), 2)
	assert.ErrorIs(t, err, ErrUnknownTechnique)

	_, err = ParseProfile([]byte("stealth: 2\n"), 2)
	assert.ErrorIs(t, err, ErrInvalidProfile)

	_, err = LoadProfile(filepath.Join(dir, "missing.yaml"), 2)
	assert.Error(t, err)
}
