package scan

import (
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// MaxExpandedTargets bounds how many hosts one argument may expand to.
const MaxExpandedTargets = 1 << 16

var ErrTooManyTargets = errors.New("scan: target range too large")

// ExpandTargets turns host names, addresses, CIDR prefixes and
// "first-last" address ranges into a flat, de-duplicated host list.
// IPv4 prefixes shorter than /31 drop their network and broadcast address.
func ExpandTargets(args []string) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})
	add := func(h string) {
		if _, ok := seen[h]; !ok {
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}

	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		switch {
		case strings.Contains(arg, "/"):
			prefix, err := netip.ParsePrefix(arg)
			if err != nil {
				return nil, fmt.Errorf("parse prefix %q: %w", arg, err)
			}
			prefix = prefix.Masked()
			r := netipx.RangeOfPrefix(prefix)
			if prefix.Addr().Is4() && prefix.Bits() < 31 {
				r = netipx.IPRangeFrom(r.From().Next(), r.To().Prev())
			}
			if err := expandRange(r, add); err != nil {
				return nil, fmt.Errorf("%s: %w", arg, err)
			}
		case strings.Count(arg, "-") == 1 && !strings.Contains(arg, ":"):
			r, err := netipx.ParseIPRange(arg)
			if err != nil {
				// host names may contain a dash
				add(arg)
				continue
			}
			if err := expandRange(r, add); err != nil {
				return nil, fmt.Errorf("%s: %w", arg, err)
			}
		default:
			add(arg)
		}
	}
	return out, nil
}

func expandRange(r netipx.IPRange, add func(string)) error {
	if !r.IsValid() {
		return nil
	}
	n := 0
	for ip := r.From(); ip.IsValid() && ip.Compare(r.To()) <= 0; ip = ip.Next() {
		if n++; n > MaxExpandedTargets {
			return ErrTooManyTargets
		}
		add(ip.String())
	}
	return nil
}

// ShuffleTargets returns hosts in random order.
func ShuffleTargets(rng *rand.Rand, hosts []string) []string {
	out := append([]string(nil), hosts...)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
