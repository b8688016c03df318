// Package labtarget is a small local service that answers like a given
// protocol. It is the target for lab runs and for end-to-end tests.
package labtarget

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"pulseworm/pkg/proto"
)

const (
	DefaultReadTimeout = 500 * time.Millisecond
	readSize           = 4096

	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

var ErrClosed = errors.New("labtarget: server closed")

// Banners are the replies sent for each protocol. Each starts with the
// protocol signature and has an unremarkable length.
var Banners = map[proto.Protocol][]byte{
	proto.SMB:  append([]byte("\xfeSMB@\x00\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00"), make([]byte, 48)...),
	proto.RDP:  []byte("\x03\x00\x00\x13\x0e\xd0\x00\x00\x12\x34\x00\x02\x1f\x08\x00\x02\x00\x00\x00"),
	proto.HTTP: []byte("HTTP/1.1 200 OK\r\nServer: pulseworm-lab/1.0\r\nContent-Length: 0\r\n\r\n"),
	proto.FTP:  []byte("220 pulseworm-lab FTP ready\r\n"),
	proto.SSH:  []byte("SSH-2.0-OpenSSH_9.6 pulseworm-lab\r\n"),
	proto.DNS:  append([]byte("\x80\x00"), make([]byte, 10)...),
}

// Responder maps one received payload to a reply. A nil reply closes the
// connection without answering.
type Responder func(payload []byte) []byte

// Banner answers every payload with the banner of p.
func Banner(p proto.Protocol) Responder {
	b := Banners[p]
	return func([]byte) []byte { return b }
}

// DropWhen wraps next so that payloads matching drop get no reply.
func DropWhen(drop func([]byte) bool, next Responder) Responder {
	return func(payload []byte) []byte {
		if drop(payload) {
			return nil
		}
		return next(payload)
	}
}

// Stats count what the server saw.
type Stats struct {
	Connections uint64
	Replies     uint64
	Dropped     uint64
}

// Server accepts connections and answers each with one reply.
type Server struct {
	respond     Responder
	readTimeout time.Duration
	log         logrus.FieldLogger

	ln    net.Listener
	wg    sync.WaitGroup
	conns uint64
	reply uint64
	drops uint64

	mu     sync.Mutex
	closed bool
}

func NewServer(respond Responder, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		respond:     respond,
		readTimeout: DefaultReadTimeout,
		log:         log,
	}
}

// Listen binds addr ("127.0.0.1:0" picks a free port).
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Addr is the bound address. Valid after Listen.
func (s *Server) Addr() *net.TCPAddr {
	return s.ln.Addr().(*net.TCPAddr)
}

// Serve accepts until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("labtarget: Serve before Listen")
	}
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	var delay time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() {
				s.wg.Wait()
				return ErrClosed
			}
			delay = acceptBackoff(delay)
			s.log.WithError(err).WithField("retry_in", delay).Warn("Accept error")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				s.Close()
			}
			continue
		}
		delay = 0
		s.wg.Add(1)
		go s.handle(conn)
	}
}

// acceptBackoff doubles the previous delay from minAcceptDelay up to
// maxAcceptDelay.
func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	return min(prev*2, maxAcceptDelay)
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	atomic.AddUint64(&s.conns, 1)

	conn.SetDeadline(time.Now().Add(s.readTimeout))
	buf := make([]byte, readSize)
	n, _ := conn.Read(buf)

	out := s.respond(buf[:n])
	if out == nil {
		atomic.AddUint64(&s.drops, 1)
		s.log.WithField("remote", conn.RemoteAddr().String()).Debug("Dropping connection")
		return
	}
	if _, err := conn.Write(out); err == nil {
		atomic.AddUint64(&s.reply, 1)
	}
}

// Close stops accepting. In-flight connections finish on their own.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ln == nil {
		return nil
	}
	s.closed = true
	return s.ln.Close()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections: atomic.LoadUint64(&s.conns),
		Replies:     atomic.LoadUint64(&s.reply),
		Dropped:     atomic.LoadUint64(&s.drops),
	}
}

// Start listens on a free loopback port and serves in the background. It
// returns the server and a stop function.
func Start(respond Responder, log logrus.FieldLogger) (*Server, func(), error) {
	s := NewServer(respond, log)
	if err := s.Listen("127.0.0.1:0"); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Serve(ctx)
		close(done)
	}()
	return s, func() {
		cancel()
		<-done
	}, nil
}
