package evasion

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseworm/pkg/proto"
)

func newTestEngine(t *testing.T, stealth int, caps Capabilities) *Engine {
	t.Helper()
	p, err := DefaultProfile(stealth)
	require.NoError(t, err)
	return NewEngine(p, caps, rand.New(rand.NewSource(42)))
}

func TestSelectTechniquesMatchesWeights(t *testing.T) {
	const trials = 20000
	e := newTestEngine(t, 4, Capabilities{})

	hits := make(map[Technique]int)
	for i := 0; i < trials; i++ {
		for _, tech := range e.SelectTechniques() {
			hits[tech]++
		}
	}
	for _, tech := range Techniques {
		freq := float64(hits[tech]) / trials
		assert.InDelta(t, DefaultWeights[tech], freq, 0.02, "technique %s", tech)
	}
	assert.EqualValues(t, hits[PacketPadding], e.Counters()[PacketPadding].Selected)
}

func TestSelectTechniquesScalesWithStealth(t *testing.T) {
	const trials = 20000
	e := newTestEngine(t, 2, Capabilities{})

	hits := make(map[Technique]int)
	for i := 0; i < trials; i++ {
		for _, tech := range e.SelectTechniques() {
			hits[tech]++
		}
	}
	// Fallback inflates traffic_morphing, so leave it out.
	for _, tech := range Techniques {
		if tech == FallbackTechnique {
			continue
		}
		freq := float64(hits[tech]) / trials
		assert.InDelta(t, DefaultWeights[tech]/2, freq, 0.02, "technique %s", tech)
	}
}

func TestSelectTechniquesFallback(t *testing.T) {
	p, err := ParseProfile([]byte("stealth_level: 4\ndisabled: [fragmentation, protocol_tunneling, traffic_morphing, packet_padding, source_spoofing, ttl_manipulation, dns_tunneling, http_obfuscation, icmp_covert, session_splicing, crypto_stealth, protocol_misattribution]\n"), 2)
	require.NoError(t, err)
	e := NewEngine(p, Capabilities{}, rand.New(rand.NewSource(1)))
	for i := 0; i < 100; i++ {
		assert.Equal(t, []Technique{FallbackTechnique}, e.SelectTechniques())
	}
}

func TestSelectTechniquesAggressive(t *testing.T) {
	e := newTestEngine(t, 1, Capabilities{})
	allowed := map[Technique]bool{}
	for _, tech := range Techniques[:4] {
		allowed[tech] = true
	}
	for i := 0; i < 10000; i++ {
		got := e.SelectTechniques()
		require.Len(t, got, 2)
		assert.NotEqual(t, got[0], got[1])
		for _, tech := range got {
			assert.True(t, allowed[tech], "unexpected technique %s", tech)
		}
	}
}

func TestTransformEmptyPayload(t *testing.T) {
	e := newTestEngine(t, 4, Capabilities{})
	for _, p := range []proto.Protocol{proto.SMB, proto.RDP, proto.HTTP, proto.Unknown} {
		for _, tech := range Techniques {
			assert.NotPanics(t, func() { e.Transform(nil, p, []Technique{tech}) }, "%s/%s", p, tech)
		}
		assert.NotPanics(t, func() { e.Transform([]byte{}, p, Techniques) })
	}
}

func TestTransformEmptyFixedOverheads(t *testing.T) {
	e := newTestEngine(t, 4, Capabilities{})
	cases := []struct {
		tech  Technique
		proto proto.Protocol
		want  int
	}{
		{ProtocolTunneling, proto.SMB, 5},
		{CryptoStealth, proto.SMB, SealOverhead},
		{ProtocolMisattribution, proto.SMB, 5},
		{ProtocolMisattribution, proto.HTTP, 8},
		{ProtocolMisattribution, proto.Unknown, 0},
		{ICMPCovert, proto.RDP, 8},
		{DNSTunneling, proto.HTTP, len(tunnelDomain)},
		{Fragmentation, proto.SMB, 0},
		{SessionSplicing, proto.SMB, 0},
	}
	for _, tc := range cases {
		for i := 0; i < 20; i++ {
			res := e.Transform(nil, tc.proto, []Technique{tc.tech})
			assert.Len(t, res.Payload, tc.want, "%s on %s", tc.tech, tc.proto)
		}
	}

	// A fixed technique set yields the same length on every call.
	set := []Technique{ProtocolTunneling, CryptoStealth, ProtocolMisattribution, HTTPObfuscation}
	first := len(e.Transform(nil, proto.SMB, set).Payload)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, len(e.Transform(nil, proto.SMB, set).Payload))
	}
}

func TestTransformDoesNotModifyInput(t *testing.T) {
	e := newTestEngine(t, 4, Capabilities{})
	in := []byte("\x00\x00\x00\xc0\xfeSMB@\x00\x00\x00\x00")
	orig := append([]byte(nil), in...)
	e.Transform(in, proto.SMB, Techniques)
	assert.Equal(t, orig, in)
}

func TestMimicKeepsPayloadAsSuffix(t *testing.T) {
	e := newTestEngine(t, 4, Capabilities{})
	payload := []byte("\x03\x00\x00\x13\x0e\xe0payload")
	for _, kind := range mimicKinds {
		out := e.mimic(append([]byte(nil), payload...), kind)
		assert.True(t, bytes.HasSuffix(out, payload), "kind %d", kind)
		assert.Greater(t, len(out), len(payload))
	}
}

func TestMimicHeadersAreWellFormed(t *testing.T) {
	e := newTestEngine(t, 4, Capabilities{})

	var m dns.Msg
	require.NoError(t, m.Unpack(e.dnsHeader()))
	require.Len(t, m.Question, 1)
	assert.Equal(t, dns.TypeTXT, m.Question[0].Qtype)
	assert.True(t, dns.IsSubDomain("example.com.", m.Question[0].Name))

	payload := []byte("hello")
	out, err := e.icmpEcho(payload)
	require.NoError(t, err)
	pkt := gopacket.NewPacket(out, layers.LayerTypeICMPv4, gopacket.Default)
	icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.True(t, ok)
	assert.Equal(t, uint8(layers.ICMPv4TypeEchoRequest), icmp.TypeCode.Type())
	assert.Equal(t, payload, icmp.Payload)

	http := e.mimic([]byte("xy"), mimicHTTP)
	assert.True(t, bytes.HasPrefix(http, []byte("POST /")))
	assert.Contains(t, string(http), "Content-Length: 2\r\n\r\nxy")
}

func TestSealIsFreshPerCall(t *testing.T) {
	payload := []byte("same input")
	a, b := seal(payload), seal(payload)
	assert.Len(t, a, len(payload)+SealOverhead)
	assert.NotEqual(t, a[:12], b[:12], "nonce reused")
	assert.NotEqual(t, a, b)
}

func TestDNSTunnelLabels(t *testing.T) {
	out := string(dnsTunnel(bytes.Repeat([]byte{0xAA}, 100)))
	labels := bytes.Split([]byte(out), []byte("."))
	for _, l := range labels {
		assert.LessOrEqual(t, len(l), maxDNSLabel)
	}
	assert.True(t, bytes.HasSuffix([]byte(out), []byte(tunnelDomain)))
}

func TestProtocolGatedTechniques(t *testing.T) {
	e := newTestEngine(t, 4, Capabilities{})
	in := []byte("abc")

	res := e.Transform(in, proto.RDP, []Technique{DNSTunneling})
	assert.Equal(t, in, res.Payload)
	assert.Empty(t, res.Techniques)

	res = e.Transform(in, proto.HTTP, []Technique{HTTPObfuscation})
	assert.Equal(t, in, res.Payload)

	res = e.Transform(in, proto.SMB, []Technique{HTTPObfuscation})
	assert.Contains(t, string(res.Payload), "multipart/form-data")
	assert.Equal(t, []Technique{HTTPObfuscation}, res.Techniques)
}

func TestMisattributionNeedsADisguise(t *testing.T) {
	e := newTestEngine(t, 4, Capabilities{})
	in := []byte("USER anonymous\r\n")

	for _, p := range []proto.Protocol{proto.FTP, proto.SSH, proto.DNS, proto.Unknown} {
		res := e.Transform(in, p, []Technique{ProtocolMisattribution})
		assert.Equal(t, in, res.Payload, "%s", p)
		assert.Empty(t, res.Techniques, "%s", p)
	}
	c := e.Counters()
	assert.EqualValues(t, 0, c[ProtocolMisattribution].Applied)

	for _, p := range []proto.Protocol{proto.SMB, proto.RDP, proto.HTTP} {
		res := e.Transform(in, p, []Technique{ProtocolMisattribution})
		assert.NotEqual(t, in, res.Payload, "%s", p)
		assert.Equal(t, []Technique{ProtocolMisattribution}, res.Techniques, "%s", p)
	}
	assert.EqualValues(t, 3, e.Counters()[ProtocolMisattribution].Applied)
}

func TestTrafficMorphingAvoidsOwnProtocol(t *testing.T) {
	assert.NotContains(t, morphKinds(proto.HTTP), mimicHTTP)
	assert.NotContains(t, morphKinds(proto.DNS), mimicDNS)
	assert.ElementsMatch(t, mimicKinds, morphKinds(proto.SMB))

	e := newTestEngine(t, 4, Capabilities{})
	for i := 0; i < 200; i++ {
		res := e.Transform([]byte("GET / HTTP/1.1\r\n\r\n"), proto.HTTP, []Technique{TrafficMorphing})
		assert.False(t, bytes.HasPrefix(res.Payload, []byte("POST /")), "HTTP disguised as HTTP")
	}
}

func TestTransportHints(t *testing.T) {
	plain := newTestEngine(t, 4, Capabilities{})
	res := plain.Transform([]byte("x"), proto.SMB, []Technique{Fragmentation, SourceSpoofing, TTLManipulation})
	assert.False(t, res.Hints.Fragment)
	assert.False(t, res.Hints.SpoofSource)
	assert.Equal(t, FragmentSegments, res.Hints.SpliceSegments)
	assert.GreaterOrEqual(t, res.Hints.TTL, minTTL)
	assert.LessOrEqual(t, res.Hints.TTL, maxTTL)
	assert.Equal(t, []byte("x"), res.Payload)

	c := plain.Counters()
	assert.EqualValues(t, 1, c[SourceSpoofing].Unrealized)
	assert.EqualValues(t, 0, c[SourceSpoofing].Applied)
	assert.EqualValues(t, 1, c[TTLManipulation].Applied)

	raw := newTestEngine(t, 4, Capabilities{RawPackets: true})
	res = raw.Transform([]byte("x"), proto.SMB, []Technique{Fragmentation, SourceSpoofing})
	assert.True(t, res.Hints.Fragment)
	assert.True(t, res.Hints.SpoofSource)
	assert.Zero(t, res.Hints.SpliceSegments)

	res = raw.Transform([]byte("x"), proto.SMB, []Technique{SessionSplicing})
	assert.GreaterOrEqual(t, res.Hints.SpliceSegments, minSpliceSegments)
	assert.LessOrEqual(t, res.Hints.SpliceSegments, maxSpliceSegments)
	assert.True(t, TransportHints{}.Empty())
}

func TestPaddingBounds(t *testing.T) {
	e := newTestEngine(t, 4, Capabilities{})
	minLen, maxLen := math.MaxInt, 0
	for i := 0; i < 2000; i++ {
		n := len(e.Transform([]byte("abc"), proto.SMB, []Technique{PacketPadding}).Payload) - 3
		minLen, maxLen = min(minLen, n), max(maxLen, n)
	}
	assert.GreaterOrEqual(t, minLen, 0)
	assert.LessOrEqual(t, maxLen, MaxPadding)
	assert.Greater(t, maxLen, minLen)
}

func TestCountersMerge(t *testing.T) {
	a := Counters{PacketPadding: {Selected: 2, Applied: 1}}
	b := Counters{PacketPadding: {Selected: 1, Applied: 1}, SourceSpoofing: {Unrealized: 3}}
	a.Merge(b)
	assert.Equal(t, Usage{Selected: 3, Applied: 2}, a[PacketPadding])
	assert.Equal(t, Usage{Unrealized: 3}, a[SourceSpoofing])
}
