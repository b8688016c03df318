// Package oracle sends one payload to a live service and returns whatever
// it answered. Transport failures come back as an empty reply, not an error.
package oracle

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"

	"pulseworm/pkg/evasion"
)

const (
	DefaultReadSize = 4096
	DefaultTimeout  = 2 * time.Second
)

// ErrLocalResource wraps failures caused by the local host running out of
// something (descriptors, buffers, ports).
var ErrLocalResource = errors.New("oracle: local resource exhausted")

// Target is one endpoint.
type Target struct {
	Host    string
	Port    int
	Network string // "tcp" or "udp"; empty means tcp
}

func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) network() string {
	if t.Network == "" {
		return "tcp"
	}
	return t.Network
}

// Oracle is the request/response boundary of a fuzzing run. A zero-length
// reply means no reply or a transport failure. Only local resource failures
// are returned as errors.
type Oracle interface {
	Send(ctx context.Context, target Target, payload []byte, hints evasion.TransportHints, timeout time.Duration) ([]byte, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, target Target, payload []byte, hints evasion.TransportHints, timeout time.Duration) ([]byte, error)

func (f Func) Send(ctx context.Context, target Target, payload []byte, hints evasion.TransportHints, timeout time.Duration) ([]byte, error) {
	return f(ctx, target, payload, hints, timeout)
}

// IsLocalResource reports whether err comes from exhausting a local resource.
func IsLocalResource(err error) bool {
	if errors.Is(err, ErrLocalResource) {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM, syscall.EADDRNOTAVAIL} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
