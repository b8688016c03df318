// Package corpus writes crash artifacts to disk. Each artifact is a
// protobuf-encoded google.protobuf.Struct named after the payload digest.
package corpus

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"pulseworm/pkg/report"
)

const artifactExt = ".pb"

var ErrBadArtifact = errors.New("corpus: malformed artifact")

// Artifact is one crash-inducing payload and where it was seen.
type Artifact struct {
	Digest   string
	Target   string
	Port     int
	Protocol string
	Payload  []byte
	Found    time.Time
}

// Writer is a report.Sink storing the crash payloads of every run.
type Writer struct {
	dir    string
	logger logrus.FieldLogger
}

func NewWriter(dir string, logger logrus.FieldLogger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create crash dir: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Writer{dir: dir, logger: logger}, nil
}

// Record writes one artifact per distinct crash payload. Existing
// artifacts with the same digest are left alone.
func (w *Writer) Record(_ context.Context, res report.FuzzingRunResult) error {
	for _, payload := range res.CrashPayloads {
		a := Artifact{
			Digest:   report.Digest(payload),
			Target:   res.Target,
			Port:     res.Port,
			Protocol: res.Protocol.String(),
			Payload:  payload,
			Found:    res.FinishedAt,
		}
		path := w.Path(a.Digest)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		data, err := Encode(a)
		if err != nil {
			return err
		}
		if err := writeFile(path, data); err != nil {
			return fmt.Errorf("write artifact %s: %w", a.Digest, err)
		}
		w.logger.WithFields(logrus.Fields{
			"digest": a.Digest,
			"target": a.Target,
			"port":   a.Port,
		}).Info("Saved crash artifact")
	}
	return nil
}

// Path is where the artifact for digest lives.
func (w *Writer) Path(digest string) string {
	return filepath.Join(w.dir, digest+artifactExt)
}

// writeFile writes through a temp file so readers never see a partial artifact.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func Encode(a Artifact) ([]byte, error) {
	st, err := structpb.NewStruct(map[string]interface{}{
		"digest":   a.Digest,
		"target":   a.Target,
		"port":     a.Port,
		"protocol": a.Protocol,
		"payload":  base64.StdEncoding.EncodeToString(a.Payload),
		"found":    a.Found.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return proto.Marshal(st)
}

func Decode(data []byte) (Artifact, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrBadArtifact, err)
	}
	f := st.GetFields()
	payload, err := base64.StdEncoding.DecodeString(f["payload"].GetStringValue())
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: payload: %v", ErrBadArtifact, err)
	}
	a := Artifact{
		Digest:   f["digest"].GetStringValue(),
		Target:   f["target"].GetStringValue(),
		Port:     int(f["port"].GetNumberValue()),
		Protocol: f["protocol"].GetStringValue(),
		Payload:  payload,
	}
	if found := f["found"].GetStringValue(); found != "" {
		if a.Found, err = time.Parse(time.RFC3339Nano, found); err != nil {
			return Artifact{}, fmt.Errorf("%w: found: %v", ErrBadArtifact, err)
		}
	}
	if a.Digest != report.Digest(a.Payload) {
		return Artifact{}, fmt.Errorf("%w: digest mismatch", ErrBadArtifact)
	}
	return a, nil
}

// ReadArtifact loads and verifies one artifact file.
func ReadArtifact(path string) (Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, err
	}
	return Decode(data)
}
