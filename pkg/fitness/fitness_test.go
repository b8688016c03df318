package fitness

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"pulseworm/pkg/proto"
)

func TestDeterministic(t *testing.T) {
	cases := []struct {
		name  string
		proto proto.Protocol
		resp  []byte
		want  float64
	}{
		{"empty smb", proto.SMB, nil, LengthAnomalyScore + ProtocolViolationScore},
		{"empty unknown", proto.Unknown, nil, LengthAnomalyScore},
		{"short conformant", proto.SMB, []byte("\xfeSMB"), LengthAnomalyScore},
		{"normal conformant", proto.HTTP, []byte("HTTP/1.1 200 OK\r\n\r\n"), 0},
		{"normal violation", proto.HTTP, []byte("hello there, world"), ProtocolViolationScore},
		{"markers counted per occurrence", proto.HTTP, []byte("HTTP/1.1 500 ERROR error Crash"), 3 * ErrorMarkerScore},
		{"marker inside word", proto.HTTP, []byte("HTTP/1.1 503 failure"), ErrorMarkerScore},
		{"oversized", proto.HTTP, append([]byte("HTTP/"), bytes.Repeat([]byte("a"), MaxNormalLength)...), LengthAnomalyScore},
		{"unknown skips violation", proto.Unknown, []byte("whatever reply"), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Deterministic(tc.proto, []byte("p"), tc.resp))
		})
	}
}

func TestScoreJitterBounded(t *testing.T) {
	e := NewEvaluator(proto.SMB, rand.New(rand.NewSource(3)))
	base := Deterministic(proto.SMB, nil, []byte("\xfeSMB"))
	for i := 0; i < 1000; i++ {
		s := e.Score(nil, []byte("\xfeSMB"))
		assert.GreaterOrEqual(t, s, base)
		assert.Less(t, s, base+MaxJitter)
	}
	assert.Equal(t, base, NewEvaluator(proto.SMB, nil).Score(nil, []byte("\xfeSMB")))
}

// A missing reply must never score below a boring, conforming one, even
// with jitter on both sides.
func TestEmptyResponseIsUpperBoundOfBoringReplies(t *testing.T) {
	boring := map[proto.Protocol][]byte{
		proto.SMB:     append([]byte("\xfeSMB@"), bytes.Repeat([]byte{0}, 60)...),
		proto.RDP:     []byte("\x03\x00\x00\x13\x0e\xd0\x00\x00\x12\x34\x00\x02\x00\x08\x00"),
		proto.HTTP:    []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"),
		proto.SSH:     []byte("SSH-2.0-OpenSSH_9.6\r\n"),
		proto.FTP:     []byte("220 service ready\r\n"),
		proto.DNS:     []byte("\x80\x00\x00\x01\x00\x00\x00\x00\x00\x00\x00"),
		proto.Unknown: []byte("plain banner text"),
	}
	rng := rand.New(rand.NewSource(9))
	for p, r := range boring {
		e := NewEvaluator(p, rng)
		for i := 0; i < 200; i++ {
			payload := make([]byte, 16)
			rng.Read(payload)
			assert.GreaterOrEqual(t, e.Score(payload, nil), e.Score(payload, r), "protocol %s", p)
		}
		// A short reply that trips only the length check is no stronger.
		assert.GreaterOrEqual(t, Deterministic(p, nil, nil), Deterministic(p, nil, []byte("x")))
	}
}
