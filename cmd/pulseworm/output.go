package main

import (
	"encoding/json"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"pulseworm/pkg/evasion"
	"pulseworm/pkg/report"
)

func writeJSON(w io.Writer, rep *report.ScanReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// writeTables renders the service, fuzzing and evasion summaries.
func writeTables(w io.Writer, rep *report.ScanReport) {
	services := tablewriter.NewWriter(w)
	services.SetHeader([]string{"Host", "Port", "Status", "Protocol", "Version", "Error"})
	for _, t := range rep.Targets {
		if len(t.Services) == 0 {
			services.Append([]string{t.Host, "-", "-", "-", "-", t.Error})
			continue
		}
		for i, s := range t.Services {
			errText := ""
			if i == 0 {
				errText = t.Error
			}
			services.Append([]string{t.Host, strconv.Itoa(s.Port) + "/" + s.Network, s.Status, s.Protocol.String(), s.Version, errText})
		}
	}
	services.Render()

	runs := rep.Runs()
	if len(runs) > 0 {
		fuzz := tablewriter.NewWriter(w)
		fuzz.SetHeader([]string{"Target", "Port", "Protocol", "Crashes", "Anomalies", "Tested", "Generations"})
		for _, r := range runs {
			fuzz.Append([]string{
				r.Target,
				strconv.Itoa(r.Port),
				r.Protocol.String(),
				strconv.Itoa(r.CrashCount),
				strconv.Itoa(r.AnomalyCount),
				strconv.Itoa(r.TestedPayloadCount),
				strconv.Itoa(r.GenerationCount),
			})
		}
		fuzz.Render()
	}

	if len(rep.Evasion) > 0 {
		ev := tablewriter.NewWriter(w)
		ev.SetHeader([]string{"Technique", "Selected", "Applied", "Unrealized"})
		names := make([]string, 0, len(rep.Evasion))
		for t := range rep.Evasion {
			names = append(names, string(t))
		}
		sort.Strings(names)
		for _, n := range names {
			u := rep.Evasion[evasion.Technique(n)]
			ev.Append([]string{
				n,
				strconv.FormatUint(u.Selected, 10),
				strconv.FormatUint(u.Applied, 10),
				strconv.FormatUint(u.Unrealized, 10),
			})
		}
		ev.Render()
	}
}
