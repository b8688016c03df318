package proto

import (
	"bytes"
	"strings"
)

// ---------------------------------------------------------
// PROTOCOL CATALOG
// ---------------------------------------------------------

// Protocol identifies the application protocol spoken on a port.
type Protocol string

const (
	SMB     Protocol = "SMB"
	RDP     Protocol = "RDP"
	HTTP    Protocol = "HTTP"
	FTP     Protocol = "FTP"
	SSH     Protocol = "SSH"
	DNS     Protocol = "DNS"
	Unknown Protocol = "UNKNOWN"
)

// detectionOrder fixes the order signatures are tried in, so that detection
// does not depend on map iteration.
var detectionOrder = []Protocol{SMB, RDP, HTTP, FTP, SSH, DNS}

var signatures = map[Protocol][][]byte{
	SMB:  {[]byte("\xffSMB"), []byte("\xfeSMB")},
	RDP:  {[]byte("\x03\x00\x00")},
	HTTP: {[]byte("HTTP/")},
	FTP:  {[]byte("220")},
	SSH:  {[]byte("SSH-")},
	DNS:  {[]byte("\x80\x00")},
}

// Parse maps a protocol name to a Protocol. Anything unrecognised is Unknown.
func Parse(name string) Protocol {
	p := Protocol(strings.ToUpper(strings.TrimSpace(name)))
	if _, ok := signatures[p]; ok {
		return p
	}
	return Unknown
}

// Known reports whether p is one of the enumerated protocols.
func (p Protocol) Known() bool {
	_, ok := signatures[p]
	return ok
}

func (p Protocol) String() string { return string(p) }

// Signatures returns the reply prefixes expected from a conforming server.
// Unknown has none.
func Signatures(p Protocol) [][]byte {
	sigs := signatures[p]
	out := make([][]byte, len(sigs))
	for i, s := range sigs {
		out[i] = append([]byte(nil), s...)
	}
	return out
}

// HasSignature reports whether p has at least one known reply signature.
func HasSignature(p Protocol) bool {
	return len(signatures[p]) > 0
}

// MatchesSignature reports whether resp starts with one of p's signatures.
func MatchesSignature(p Protocol, resp []byte) bool {
	for _, sig := range signatures[p] {
		if bytes.HasPrefix(resp, sig) {
			return true
		}
	}
	return false
}

// Detect guesses the protocol of a server from its first reply.
func Detect(resp []byte) Protocol {
	for _, p := range detectionOrder {
		if MatchesSignature(p, resp) {
			return p
		}
	}
	return Unknown
}
