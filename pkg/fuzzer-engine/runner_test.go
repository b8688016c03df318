package engine

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseworm/pkg/evasion"
	"pulseworm/pkg/labtarget"
	"pulseworm/pkg/metrics"
	"pulseworm/pkg/oracle"
	"pulseworm/pkg/proto"
)

var smbTarget = oracle.Target{Host: "192.0.2.10", Port: 445}

// replyWith returns an oracle that answers every payload with resp and
// counts the calls.
func replyWith(resp []byte, calls *int64) oracle.Oracle {
	return oracle.Func(func(context.Context, oracle.Target, []byte, evasion.TransportHints, time.Duration) ([]byte, error) {
		atomic.AddInt64(calls, 1)
		return resp, nil
	})
}

func newTestRunner(t *testing.T, o oracle.Oracle, params Params, withEvasion bool) *Runner {
	t.Helper()
	logger, _ := test.NewNullLogger()
	rng := rand.New(rand.NewSource(42))
	var ev *evasion.Engine
	if withEvasion {
		profile, err := evasion.DefaultProfile(2)
		require.NoError(t, err)
		ev = evasion.NewEngine(profile, evasion.Capabilities{}, rng)
	}
	return NewRunner(o, ev, params, rng, logger)
}

func TestRunAllEmptyRepliesAreCrashes(t *testing.T) {
	params := DefaultParams()
	params.Generations = 1

	var calls int64
	r := newTestRunner(t, replyWith(nil, &calls), params, true)
	res, err := r.Run(context.Background(), smbTarget, proto.SMB, smbSeed)
	require.NoError(t, err)

	assert.Equal(t, 50, res.CrashCount)
	assert.Equal(t, 0, res.AnomalyCount)
	assert.Equal(t, 50, res.TestedPayloadCount)
	assert.Equal(t, 1, res.GenerationCount)
	assert.Equal(t, proto.SMB, res.Protocol)
	assert.Equal(t, "192.0.2.10", res.Target)
	assert.Equal(t, 445, res.Port)
	assert.NotEmpty(t, res.CrashPayloads)
	assert.LessOrEqual(t, len(res.CrashPayloads), 50)
	assert.LessOrEqual(t, calls, int64(100))
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
}

func TestRunConformantRepliesAreNotAnomalies(t *testing.T) {
	params := DefaultParams()
	params.Generations = 2

	var calls int64
	r := newTestRunner(t, replyWith([]byte("\xfeSMB"), &calls), params, true)
	res, err := r.Run(context.Background(), smbTarget, proto.SMB, smbSeed)
	require.NoError(t, err)

	assert.Equal(t, 0, res.AnomalyCount)
	assert.Equal(t, 0, res.CrashCount)
	assert.Equal(t, 50, res.TestedPayloadCount)
	assert.False(t, res.Findings())
}

func TestRunErrorRepliesAreAnomalies(t *testing.T) {
	params := DefaultParams()
	params.PopulationSize = 10
	params.Generations = 1

	var calls int64
	// 3 markers (45) plus the missing signature (20)
	r := newTestRunner(t, replyWith([]byte("ERROR: invalid request, fail"), &calls), params, false)
	res, err := r.Run(context.Background(), smbTarget, proto.SMB, smbSeed)
	require.NoError(t, err)

	assert.Equal(t, 10, res.AnomalyCount)
	assert.Equal(t, 0, res.CrashCount)
	assert.True(t, res.Findings())
}

func TestRunSendsEachDistinctPayloadOncePerGeneration(t *testing.T) {
	params := DefaultParams()
	params.PopulationSize = 8
	params.Generations = 3

	var calls int64
	r := newTestRunner(t, replyWith([]byte("0123456789"), &calls), params, false)
	// a one-byte seed leaves at most 256 distinct candidates, so duplicates
	// within a generation are common
	_, err := r.Run(context.Background(), smbTarget, proto.Unknown, []byte{0})
	require.NoError(t, err)
	assert.LessOrEqual(t, calls, int64(8*4))
	assert.Greater(t, calls, int64(0))
}

func TestRunPassesTimeoutAndTransformedPayload(t *testing.T) {
	params := DefaultParams()
	params.PopulationSize = 5
	params.Generations = 1
	params.Timeout = 1234 * time.Millisecond

	var grew int64
	o := oracle.Func(func(_ context.Context, _ oracle.Target, payload []byte, _ evasion.TransportHints, timeout time.Duration) ([]byte, error) {
		assert.Equal(t, 1234*time.Millisecond, timeout)
		if len(payload) > len(smbSeed) {
			atomic.AddInt64(&grew, 1)
		}
		return []byte("\xfeSMB and then some"), nil
	})
	r := newTestRunner(t, o, params, true)
	_, err := r.Run(context.Background(), smbTarget, proto.SMB, smbSeed)
	require.NoError(t, err)
	assert.Greater(t, grew, int64(0), "evasion wraps add bytes on the wire")
}

func TestRunPropagatesLocalResourceErrors(t *testing.T) {
	o := oracle.Func(func(context.Context, oracle.Target, []byte, evasion.TransportHints, time.Duration) ([]byte, error) {
		return nil, fmt.Errorf("%w: too many open files", oracle.ErrLocalResource)
	})
	r := newTestRunner(t, o, DefaultParams(), false)
	_, err := r.Run(context.Background(), smbTarget, proto.SMB, smbSeed)
	assert.ErrorIs(t, err, oracle.ErrLocalResource)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls int64
	r := newTestRunner(t, replyWith(nil, &calls), DefaultParams(), false)
	_, err := r.Run(ctx, smbTarget, proto.SMB, smbSeed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestRunRecordsMetrics(t *testing.T) {
	params := DefaultParams()
	params.PopulationSize = 4
	params.Generations = 2

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	var calls int64
	r := newTestRunner(t, replyWith(nil, &calls), params, false)
	r.Metrics = m
	_, err = r.Run(context.Background(), smbTarget, proto.SMB, smbSeed)
	require.NoError(t, err)

	assert.Equal(t, float64(calls), testutil.ToFloat64(m.PayloadsSent.WithLabelValues("SMB")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Generations.WithLabelValues("SMB")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Crashes.WithLabelValues("SMB")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsCompleted.WithLabelValues("SMB")))
}

func TestRunAgainstLabTarget(t *testing.T) {
	logger, _ := test.NewNullLogger()
	// odd first bytes make the lab service hang up without a reply
	respond := labtarget.DropWhen(func(p []byte) bool {
		return len(p) > 0 && p[0]%2 == 1
	}, labtarget.Banner(proto.SMB))
	srv, stop, err := labtarget.Start(respond, logger)
	require.NoError(t, err)
	defer stop()

	params := DefaultParams()
	params.PopulationSize = 20
	params.Generations = 3
	params.Timeout = time.Second

	r := newTestRunner(t, oracle.NewNet(0), params, false)
	target := oracle.Target{Host: "127.0.0.1", Port: srv.Addr().Port}
	res, err := r.Run(context.Background(), target, proto.SMB, smbSeed)
	require.NoError(t, err)

	assert.Equal(t, 20, res.TestedPayloadCount)
	require.Greater(t, res.CrashCount, 0)
	for _, p := range res.CrashPayloads {
		assert.Equal(t, byte(1), p[0]%2)
	}
	assert.Zero(t, res.AnomalyCount, "banner replies are conformant")
	assert.False(t, bytes.Equal(res.CrashPayloads[0], smbSeed))
}
