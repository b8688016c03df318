package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	engine "pulseworm/pkg/fuzzer-engine"
	"pulseworm/pkg/oracle"
	"pulseworm/pkg/proto"
)

func newFuzzCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fuzz HOST:PORT[/PROTOCOL][/udp]...",
		Short: "Fuzz known services directly, skipping discovery",
		Example: "  pulseworm fuzz 10.0.0.5:445/smb 10.0.0.5:21/ftp\n" +
			"  pulseworm fuzz 10.0.0.53:53/dns/udp 10.0.0.9:5060/udp\n" +
			"  pulseworm fuzz 127.0.0.1:9000 --generations 20",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs := make([]engine.Job, 0, len(args))
			for _, a := range args {
				j, err := parseJob(a)
				if err != nil {
					return err
				}
				jobs = append(jobs, j)
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			log.WithField("jobs", len(jobs)).Info("Starting fuzzing")
			rep, err := rt.scheduler.Fuzz(cmd.Context(), jobs)
			if rep != nil {
				printReport(rep)
			}
			return err
		},
	}
	cmd.Flags().Int("workers", 0, "concurrent target pipelines")
	cmd.Flags().Int("stealth", 0, "stealth level 1-4")
	addFuzzFlags(cmd)
	bind(cmd, "scan.workers", "workers")
	bind(cmd, "evasion.stealth_level", "stealth")
	return cmd
}

var wellKnown = map[string]map[int]proto.Protocol{
	"tcp": {
		21:   proto.FTP,
		22:   proto.SSH,
		53:   proto.DNS,
		80:   proto.HTTP,
		139:  proto.SMB,
		443:  proto.HTTP,
		445:  proto.SMB,
		3389: proto.RDP,
		8080: proto.HTTP,
	},
	"udp": {
		53:   proto.DNS,
		5353: proto.DNS,
	},
}

// parseJob reads host:port[/protocol][/tcp|/udp]. The network defaults to
// tcp. A missing protocol is guessed from the port; an unrecognised one is
// UNKNOWN.
func parseJob(s string) (engine.Job, error) {
	addr, rest, _ := strings.Cut(s, "/")
	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return engine.Job{}, fmt.Errorf("job %q: %w", s, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return engine.Job{}, fmt.Errorf("job %q: bad port %q", s, portText)
	}

	network, name := "tcp", ""
	if rest != "" {
		for _, part := range strings.Split(rest, "/") {
			switch lower := strings.ToLower(part); {
			case lower == "tcp" || lower == "udp":
				network = lower
			case part == "" || name != "":
				return engine.Job{}, fmt.Errorf("job %q: expected host:port[/protocol][/tcp|/udp]", s)
			default:
				name = part
			}
		}
	}

	p := proto.Parse(name)
	if name == "" {
		p = wellKnown[network][port]
		if p == "" {
			p = proto.Unknown
		}
	}
	return engine.Job{
		Target:   oracle.Target{Host: host, Port: port, Network: network},
		Protocol: p,
	}, nil
}
