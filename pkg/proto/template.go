package proto

import (
	"math/rand"

	fuzz "github.com/google/gofuzz"
)

// RandomTemplateSize is the length of the seed handed out for Unknown.
const RandomTemplateSize = 128

// Handshake templates. These are the first bytes a client sends.
var templates = map[Protocol][]byte{
	SMB:  []byte("\x00\x00\x00\xc0\xfeSMB@\x00\x00\x00\x00"),
	RDP:  []byte("\x03\x00\x00\x13\x0e\xe0\x00\x00\x00\x00\x00\x01\x00\x08\x00"),
	HTTP: []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"),
}

// TemplateProvider hands out seed payloads for the genetic search.
// It is not safe for concurrent use; every fuzzing run owns one.
type TemplateProvider struct {
	fz *fuzz.Fuzzer
}

// NewTemplateProvider returns a provider drawing random seeds from rng.
func NewTemplateProvider(rng *rand.Rand) *TemplateProvider {
	return &TemplateProvider{
		fz: fuzz.New().
			RandSource(rng).
			NilChance(0).
			NumElements(RandomTemplateSize, RandomTemplateSize),
	}
}

// Template returns a fresh copy of the handshake template for p. Protocols
// without a template get RandomTemplateSize random bytes. The result is
// never empty.
func (t *TemplateProvider) Template(p Protocol) []byte {
	if tpl, ok := templates[p]; ok {
		return append([]byte(nil), tpl...)
	}
	var seed []byte
	t.fz.Fuzz(&seed)
	if len(seed) == 0 {
		seed = make([]byte, RandomTemplateSize)
	}
	return seed
}

// HasTemplate reports whether p has a fixed handshake template.
func HasTemplate(p Protocol) bool {
	_, ok := templates[p]
	return ok
}
