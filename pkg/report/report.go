// Package report holds the records a scan produces and the Sink interface
// that persists them.
package report

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"pulseworm/pkg/evasion"
	"pulseworm/pkg/proto"
)

// FuzzingRunResult summarizes one fuzzing run against one service.
type FuzzingRunResult struct {
	Target             string         `json:"target"`
	Port               int            `json:"port"`
	Protocol           proto.Protocol `json:"protocol"`
	CrashCount         int            `json:"crash_count"`
	AnomalyCount       int            `json:"anomaly_count"`
	TestedPayloadCount int            `json:"tested_payload_count"`
	GenerationCount    int            `json:"generation_count"`
	StartedAt          time.Time      `json:"started_at"`
	FinishedAt         time.Time      `json:"finished_at"`

	// CrashPayloads are the distinct evolved payloads that got no reply,
	// in first-seen order. They feed artifact sinks and are not serialized.
	CrashPayloads [][]byte `json:"-"`
}

// Findings reports whether the run saw any crash or anomaly.
func (r FuzzingRunResult) Findings() bool {
	return r.CrashCount > 0 || r.AnomalyCount > 0
}

// CrashDigests returns the hex SHA-256 of every crash payload.
func (r FuzzingRunResult) CrashDigests() []string {
	out := make([]string, 0, len(r.CrashPayloads))
	for _, p := range r.CrashPayloads {
		out = append(out, Digest(p))
	}
	return out
}

// Digest is the content address of a payload.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Port states a probe can report.
const (
	StatusOpen         = "open"
	StatusClosed       = "closed"
	StatusFiltered     = "filtered"
	StatusOpenFiltered = "open|filtered"
	// StatusAssumed marks services fuzzed directly without discovery.
	StatusAssumed = "assumed"
)

// Service is one probed port.
type Service struct {
	Port     int            `json:"port"`
	Network  string         `json:"network"`
	Status   string         `json:"status"`
	Protocol proto.Protocol `json:"protocol"`
	Version  string         `json:"version,omitempty"`
}

// Open reports whether the service answered the probe.
func (s Service) Open() bool { return s.Status == StatusOpen || s.Status == StatusAssumed }

// Discovery is what probing one host found.
type Discovery struct {
	Services []Service
	// DNS holds answers from the host's resolver, by record type.
	DNS map[string][]string
}

// TargetReport is everything learned about one host.
type TargetReport struct {
	Host     string              `json:"host"`
	Services []Service           `json:"services"`
	DNS      map[string][]string `json:"dns,omitempty"`
	Fuzzing  []FuzzingRunResult  `json:"fuzzing,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// ScanReport is the outcome of a whole scheduler run.
type ScanReport struct {
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Targets    []TargetReport   `json:"targets"`
	Evasion    evasion.Counters `json:"evasion,omitempty"`
}

// Runs flattens every fuzzing result of the report.
func (s *ScanReport) Runs() []FuzzingRunResult {
	var out []FuzzingRunResult
	for _, t := range s.Targets {
		out = append(out, t.Fuzzing...)
	}
	return out
}

// Sink persists or forwards finished runs. Implementations must be safe for
// concurrent use.
type Sink interface {
	Record(ctx context.Context, res FuzzingRunResult) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, res FuzzingRunResult) error

func (f SinkFunc) Record(ctx context.Context, res FuzzingRunResult) error { return f(ctx, res) }
