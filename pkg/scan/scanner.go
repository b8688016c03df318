// Package scan probes the TCP and UDP ports of a host and names the
// protocol behind each open one. Its output is what the fuzzer targets.
package scan

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"pulseworm/pkg/evasion"
	"pulseworm/pkg/oracle"
	"pulseworm/pkg/proto"
	"pulseworm/pkg/report"
)

const (
	DefaultTimeout = 3 * time.Second
	bannerSize     = 1024
	dnsPort        = 53

	// PacingStep is the probe interval per stealth level.
	PacingStep = 300 * time.Millisecond
)

// PacingLimiter returns the probe limiter for a stealth level. Level 1 is
// unpaced.
func PacingLimiter(stealth int) *rate.Limiter {
	if stealth <= 1 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Duration(stealth)*PacingStep), 1)
}

type Options struct {
	// Ports are the TCP ports to probe.
	Ports []int
	// UDPPorts are the UDP ports to probe. Listing 53 also runs DNS lookups
	// against the host.
	UDPPorts []int
	Timeout  time.Duration
	Limiter  *rate.Limiter
	Rand     *rand.Rand
	Log      logrus.FieldLogger
	// Evasion transforms detection probes. It is ignored at stealth level 1.
	Evasion *evasion.Engine
}

// Scanner runs TCP connect and UDP probes. It is not safe for concurrent
// use since it owns its random source.
type Scanner struct {
	ports    []int
	udpPorts []int
	timeout  time.Duration
	limiter  *rate.Limiter
	rng      *rand.Rand
	log      logrus.FieldLogger
	evasion  *evasion.Engine
}

func NewScanner(opts Options) *Scanner {
	s := &Scanner{
		ports:    opts.Ports,
		udpPorts: opts.UDPPorts,
		timeout:  opts.Timeout,
		limiter:  opts.Limiter,
		rng:      opts.Rand,
		log:      opts.Log,
	}
	if opts.Evasion != nil && opts.Evasion.Profile().StealthLevel() > evasion.MinStealthLevel {
		s.evasion = opts.Evasion
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	return s
}

// Discover probes every configured TCP and then UDP port of host, each list
// in random order. Every probed port is reported with its status. Only
// local resource exhaustion or ctx cancellation is an error.
func (s *Scanner) Discover(ctx context.Context, host string) (report.Discovery, error) {
	var found report.Discovery
	log := s.log.WithField("host", host)

	if containsPort(s.udpPorts, dnsPort) {
		if err := s.limiter.Wait(ctx); err != nil {
			return found, err
		}
		if records := LookupRecords(ctx, net.JoinHostPort(host, strconv.Itoa(dnsPort)), s.timeout, log); len(records) > 0 {
			found.DNS = records
			log.WithField("types", len(records)).Info("Resolver answered")
		}
	}

	for _, port := range Shuffle(s.rng, s.ports) {
		if err := s.limiter.Wait(ctx); err != nil {
			return found, err
		}
		svc, err := s.probeTCP(ctx, host, port)
		if err != nil {
			return found, err
		}
		found.Services = append(found.Services, svc)
		logService(log, svc)
	}

	for _, port := range Shuffle(s.rng, s.udpPorts) {
		if port == dnsPort && found.DNS != nil {
			svc := report.Service{Port: port, Network: "udp", Status: report.StatusOpen, Protocol: proto.DNS}
			found.Services = append(found.Services, svc)
			logService(log, svc)
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return found, err
		}
		svc, err := s.probeUDP(ctx, host, port)
		if err != nil {
			return found, err
		}
		found.Services = append(found.Services, svc)
		logService(log, svc)
	}
	return found, ctx.Err()
}

func logService(log logrus.FieldLogger, svc report.Service) {
	entry := log.WithFields(logrus.Fields{
		"port":     fmt.Sprintf("%d/%s", svc.Port, svc.Network),
		"status":   svc.Status,
		"protocol": svc.Protocol,
	})
	if svc.Status != report.StatusOpen {
		entry.Debug("Port probed")
		return
	}
	entry.WithField("version", svc.Version).Info("Open service")
}

// probeTCP connects, sends the detection payload and reads a banner.
// Refused connections are closed; anything else that fails to connect is
// filtered.
func (s *Scanner) probeTCP(ctx context.Context, host string, port int) (report.Service, error) {
	svc := report.Service{Port: port, Network: "tcp", Status: report.StatusFiltered, Protocol: proto.Unknown}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if oracle.IsLocalResource(err) {
			return svc, fmt.Errorf("%w: %v", oracle.ErrLocalResource, err)
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			svc.Status = report.StatusClosed
		}
		return svc, nil
	}
	defer conn.Close()
	svc.Status = report.StatusOpen

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)
	if err := s.send(conn, "tcp", DetectionPayload(s.rng, port)); err != nil {
		return svc, nil
	}
	buf := make([]byte, bannerSize)
	n, _ := conn.Read(buf)
	if n > 0 {
		svc.Protocol = proto.Detect(buf[:n])
		svc.Version = Fingerprint(buf[:n], svc.Protocol)
	}
	return svc, nil
}

// probeUDP sends the port's probe datagram. A reply means open, an ICMP
// port unreachable means closed, silence means open|filtered.
func (s *Scanner) probeUDP(ctx context.Context, host string, port int) (report.Service, error) {
	svc := report.Service{Port: port, Network: "udp", Status: report.StatusOpenFiltered, Protocol: proto.Unknown}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if oracle.IsLocalResource(err) {
			return svc, fmt.Errorf("%w: %v", oracle.ErrLocalResource, err)
		}
		svc.Status = report.StatusFiltered
		return svc, nil
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)
	err = s.send(conn, "udp", UDPProbe(s.rng, port))
	var n int
	buf := make([]byte, bannerSize)
	if err == nil {
		n, err = conn.Read(buf)
	}
	switch {
	case n > 0:
		svc.Status = report.StatusOpen
		svc.Protocol = DetectDatagram(buf[:n])
		svc.Version = Fingerprint(buf[:n], svc.Protocol)
	case oracle.IsLocalResource(err):
		return svc, fmt.Errorf("%w: %v", oracle.ErrLocalResource, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		svc.Status = report.StatusClosed
	}
	return svc, nil
}

// send writes a probe, through the evasion engine when one is set.
func (s *Scanner) send(conn net.Conn, network string, payload []byte) error {
	if s.evasion == nil {
		_, err := conn.Write(payload)
		return err
	}
	res := s.evasion.Apply(payload, proto.Unknown)
	if err := oracle.SetTTL(conn, res.Hints.TTL); err != nil {
		s.log.WithError(err).Debug("TTL hint not applied to probe")
	}
	return oracle.WriteSegments(conn, network, res.Payload, res.Hints.SpliceSegments)
}

func containsPort(ports []int, port int) bool {
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}
