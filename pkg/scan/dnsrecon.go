package scan

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// ReconTypes are the record types asked for during DNS lookups.
var ReconTypes = []uint16{dns.TypeA, dns.TypeAAAA, dns.TypeMX, dns.TypeNS, dns.TypeTXT, dns.TypeSOA, dns.TypeCNAME}

// LookupRecords asks the resolver at addr (host:port) about ReconDomain and
// tries a zone transfer. Answers are keyed by record type. Failed queries
// are skipped; an unreachable resolver yields an empty map.
func LookupRecords(ctx context.Context, addr string, timeout time.Duration, log logrus.FieldLogger) map[string][]string {
	if log == nil {
		log = logrus.StandardLogger()
	}
	out := make(map[string][]string)
	c := &dns.Client{Net: "udp", Timeout: timeout}
	for _, qtype := range ReconTypes {
		if ctx.Err() != nil {
			return out
		}
		m := new(dns.Msg)
		m.SetQuestion(ReconDomain, qtype)
		m.RecursionDesired = true
		resp, _, err := c.ExchangeContext(ctx, m, addr)
		name := dns.TypeToString[qtype]
		if err != nil {
			log.WithFields(logrus.Fields{"resolver": addr, "type": name}).WithError(err).Debug("DNS query failed")
			if isTimeout(err) {
				// A silent resolver would cost a timeout per type.
				return out
			}
			continue
		}
		for _, rr := range resp.Answer {
			out[name] = append(out[name], rr.String())
		}
	}
	if records := zoneTransfer(addr, timeout); len(records) > 0 {
		out["AXFR"] = records
	}
	return out
}

func zoneTransfer(addr string, timeout time.Duration) []string {
	m := new(dns.Msg)
	m.SetAxfr(ReconDomain)
	tr := &dns.Transfer{DialTimeout: timeout, ReadTimeout: timeout, WriteTimeout: timeout}
	envelopes, err := tr.In(m, addr)
	if err != nil {
		return nil
	}
	var out []string
	for env := range envelopes {
		if env.Error != nil {
			return out
		}
		for _, rr := range env.RR {
			out = append(out, rr.String())
		}
	}
	return out
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
