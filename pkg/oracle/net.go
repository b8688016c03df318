package oracle

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"pulseworm/pkg/evasion"
)

// Net is the socket-backed Oracle. Every Send opens its own connection;
// nothing is reused between payloads.
type Net struct {
	// ReadSize bounds a single reply.
	ReadSize int
	// OnHintError, when set, is told about hints the socket refused.
	OnHintError func(hint string, err error)
}

// NewNet returns a socket oracle reading at most readSize bytes per reply.
func NewNet(readSize int) *Net {
	if readSize <= 0 {
		readSize = DefaultReadSize
	}
	return &Net{ReadSize: readSize}
}

// Capabilities of plain sockets: no raw packet construction.
func (n *Net) Capabilities() evasion.Capabilities {
	return evasion.Capabilities{RawPackets: false}
}

// Send connects, writes payload (split per hints), and reads one reply.
// The whole exchange is bounded by timeout.
func (n *Net) Send(ctx context.Context, target Target, payload []byte, hints evasion.TransportHints, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, target.network(), target.Addr())
	if err != nil {
		return n.fail(err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return n.fail(err)
	}
	if err := SetTTL(conn, hints.TTL); err != nil && n.OnHintError != nil {
		n.OnHintError("ttl", err)
	}

	if err := WriteSegments(conn, target.network(), payload, hints.SpliceSegments); err != nil {
		return n.fail(err)
	}

	buf := make([]byte, n.ReadSize)
	read, err := conn.Read(buf)
	if read > 0 {
		return buf[:read], nil
	}
	if err != nil {
		return n.fail(err)
	}
	return nil, nil
}

// SetTTL applies a TTL hint to conn. Zero leaves the socket default.
func SetTTL(conn net.Conn, ttl int) error {
	if ttl <= 0 {
		return nil
	}
	return ipv4.NewConn(conn).SetTTL(ttl)
}

// WriteSegments writes payload in the given number of pieces on a stream
// connection. Datagrams are always written whole.
func WriteSegments(conn net.Conn, network string, payload []byte, segments int) error {
	if segments <= 1 || network != "tcp" || len(payload) < 2 {
		_, err := conn.Write(payload)
		return err
	}
	for _, seg := range split(payload, segments) {
		if _, err := conn.Write(seg); err != nil {
			return err
		}
	}
	return nil
}

// fail turns a transport error into the empty reply, and a local resource
// error into ErrLocalResource.
func (n *Net) fail(err error) ([]byte, error) {
	if IsLocalResource(err) {
		return nil, fmt.Errorf("%w: %v", ErrLocalResource, err)
	}
	return nil, nil
}

// split cuts b into at most n contiguous, non-empty pieces of near-equal size.
func split(b []byte, n int) [][]byte {
	if n > len(b) {
		n = len(b)
	}
	if n <= 1 {
		return [][]byte{b}
	}
	out := make([][]byte, 0, n)
	size, rem := len(b)/n, len(b)%n
	for i := 0; i < n; i++ {
		l := size
		if i < rem {
			l++
		}
		out = append(out, b[:l])
		b = b[l:]
	}
	return out
}
