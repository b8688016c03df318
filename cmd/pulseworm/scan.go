package main

import (
	"math/rand"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pulseworm/pkg/report"
	"pulseworm/pkg/scan"
)

var outputJSON bool

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan TARGET...",
		Short: "Probe TCP and UDP services on hosts, CIDRs or a-b ranges and optionally fuzz them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			hosts, err := scan.ExpandTargets(args)
			if err != nil {
				return err
			}
			hosts = scan.ShuffleTargets(rand.New(rand.NewSource(time.Now().UnixNano())), hosts)

			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			log.WithFields(logrus.Fields{
				"targets": len(hosts),
				"workers": cfg.Scan.Workers,
				"fuzz":    cfg.Fuzz.Enabled,
				"stealth": cfg.Evasion.StealthLevel,
				"sinks":   sinkNames(rt.scheduler.Sinks),
			}).Info("Starting scan")

			rep, err := rt.scheduler.Scan(cmd.Context(), hosts)
			if rep != nil {
				printReport(rep)
			}
			return err
		},
	}
	f := cmd.Flags()
	f.Bool("fuzz", false, "fuzz every identified service")
	f.Int("workers", 0, "concurrent target pipelines")
	f.Int("stealth", 0, "stealth level 1-4")
	f.Bool("no-evasion", false, "send payloads untransformed")
	f.String("ports", "", "comma separated TCP ports")
	f.String("udp-ports", "", "comma separated UDP ports")
	f.Bool("no-udp", false, "skip UDP probes and DNS lookups")
	f.Int("intensity", 0, "port list size 1-5 when --ports is not set")
	addFuzzFlags(cmd)
	bind(cmd, "fuzz.enabled", "fuzz")
	bind(cmd, "scan.workers", "workers")
	bind(cmd, "evasion.stealth_level", "stealth")
	bind(cmd, "scan.tcp_ports", "ports")
	bind(cmd, "scan.udp_ports", "udp-ports")
	bind(cmd, "scan.intensity", "intensity")
	cmd.PreRun = func(cmd *cobra.Command, _ []string) {
		if off, _ := cmd.Flags().GetBool("no-evasion"); off {
			v.Set("evasion.enabled", false)
		}
		if off, _ := cmd.Flags().GetBool("no-udp"); off {
			v.Set("scan.udp", false)
		}
	}
	return cmd
}

// addFuzzFlags registers the flags shared by scan and fuzz.
func addFuzzFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("population", 0, "population size")
	f.Int("generations", 0, "generations per run")
	f.Float64("mutation-rate", 0, "fraction of bytes mutated per child")
	f.Duration("timeout", 0, "per payload timeout")
	f.Int64("seed", 0, "random seed, 0 seeds from the clock")
	f.String("crash-dir", "", "write crash payloads here")
	f.BoolVar(&outputJSON, "json", false, "print the report as JSON")
	bind(cmd, "fuzz.population_size", "population")
	bind(cmd, "fuzz.generations", "generations")
	bind(cmd, "fuzz.mutation_rate", "mutation-rate")
	bind(cmd, "fuzz.timeout", "timeout")
	bind(cmd, "fuzz.seed", "seed")
	bind(cmd, "fuzz.crash_dir", "crash-dir")
}

func printReport(rep *report.ScanReport) {
	if outputJSON {
		if err := writeJSON(os.Stdout, rep); err != nil {
			log.WithError(err).Error("Could not write report")
		}
		return
	}
	writeTables(os.Stdout, rep)
}
