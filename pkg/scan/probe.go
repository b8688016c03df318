package scan

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"

	"github.com/miekg/dns"

	"pulseworm/pkg/proto"
)

// ReconDomain is the name asked about in DNS probes and lookups.
const ReconDomain = "example.com."

var (
	// SNMPv1 GetRequest for sysDescr.0, community "public".
	snmpGetRequest = []byte("\x30\x29\x02\x01\x00\x04\x06public\xa0\x1c" +
		"\x02\x04\x70\x77\x6f\x72\x02\x01\x00\x02\x01\x00" +
		"\x30\x0e\x30\x0c\x06\x08\x2b\x06\x01\x02\x01\x01\x01\x00\x05\x00")
	// NTPv3 client mode.
	ntpClientRequest = append([]byte{0x1b}, make([]byte, 47)...)
	// NetBIOS node status query for the wildcard name "*".
	netbiosNameQuery = []byte("\x80\xf0\x00\x00\x00\x01\x00\x00\x00\x00\x00\x00\x20CK" +
		strings.Repeat("A", 30) + "\x00\x00\x21\x00\x01")
	emptyDatagramSize = 8
)

// DetectionPayload returns the bytes sent right after connecting to port
// to coax a banner out of the service.
func DetectionPayload(rng *rand.Rand, port int) []byte {
	switch port {
	case 80:
		return []byte(fmt.Sprintf("HEAD / HTTP/1.1\r\nHost: %d.%d\r\n\r\n", 1+rng.Intn(255), 1+rng.Intn(255)))
	case 443:
		hello := []byte("\x16\x03\x01\x00\x75\x01\x00\x00\x71\x03\x03")
		random := make([]byte, 32)
		rng.Read(random)
		return append(hello, random...)
	case 445:
		return []byte("\x00\x00\x00\x00\xffSMB\x72\x00\x00\x00\x00\x18")
	case 3389:
		return []byte("\x03\x00\x00\x13\x0e\xe0\x00\x00\x00\x00\x00\x01\x00\x08\x00")
	case 22:
		return []byte("SSH-2.0-PulseWorm\r\n")
	default:
		return make([]byte, 8)
	}
}

// UDPProbe returns the datagram sent to a UDP port. Well-known services get
// a request they answer; everything else gets zero bytes.
func UDPProbe(rng *rand.Rand, port int) []byte {
	switch port {
	case 53:
		if q, err := dnsQuery(rng); err == nil {
			return q
		}
	case 161:
		return append([]byte(nil), snmpGetRequest...)
	case 123:
		return append([]byte(nil), ntpClientRequest...)
	case 137:
		return append([]byte(nil), netbiosNameQuery...)
	}
	return make([]byte, emptyDatagramSize)
}

// dnsQuery packs a recursive A query for a random name under ReconDomain.
func dnsQuery(rng *rand.Rand) ([]byte, error) {
	m := new(dns.Msg)
	m.SetQuestion(fmt.Sprintf("%d.%s", 100000+rng.Intn(900000), ReconDomain), dns.TypeA)
	m.Id = uint16(rng.Intn(1 << 16))
	m.RecursionDesired = true
	return m.Pack()
}

// DetectDatagram names the protocol of a UDP reply. Besides the reply
// signatures it recognises any well-formed DNS response.
func DetectDatagram(resp []byte) proto.Protocol {
	if p := proto.Detect(resp); p != proto.Unknown {
		return p
	}
	var m dns.Msg
	if err := m.Unpack(resp); err == nil && m.Response {
		return proto.DNS
	}
	return proto.Unknown
}

// Fingerprint extracts a version string from a banner. It returns "" when
// nothing is recognised.
func Fingerprint(resp []byte, p proto.Protocol) string {
	switch p {
	case proto.HTTP:
		for _, line := range bytes.Split(resp, []byte("\r\n")) {
			if k, v, ok := bytes.Cut(line, []byte(":")); ok && strings.EqualFold(string(k), "Server") {
				return strings.TrimSpace(string(v))
			}
		}
	case proto.SSH:
		banner := firstLine(resp)
		if _, after, ok := strings.Cut(banner, "OpenSSH_"); ok {
			if f := strings.Fields(after); len(f) > 0 {
				return "OpenSSH " + f[0]
			}
			return "OpenSSH"
		}
		if _, after, ok := strings.Cut(banner, "SSH-2.0-"); ok {
			return after
		}
	case proto.FTP:
		return strings.TrimSpace(strings.TrimPrefix(firstLine(resp), "220"))
	case proto.SMB:
		if bytes.HasPrefix(resp, []byte("\xffSMB")) {
			return "SMB 1.0"
		}
		return "SMB 2+"
	case proto.RDP:
		return "RDP Protocol"
	}
	return ""
}

func firstLine(b []byte) string {
	line, _, _ := bytes.Cut(b, []byte("\n"))
	return strings.TrimRight(string(line), "\r")
}
