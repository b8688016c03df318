// Package cache forwards fuzzing results to Redis: every run is published
// on a channel and kept in a bounded recent list together with the digests
// of crash payloads.
package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"pulseworm/pkg/report"
)

const (
	DefaultChannel = "pulseworm:runs"
	DefaultKeep    = 1000

	runsKey    = "pulseworm:runs:recent"
	crashesKey = "pulseworm:crashes:recent"
)

// Publisher is a report.Sink writing to Redis.
type Publisher struct {
	client  redis.UniversalClient
	channel string
	keep    int64
	logger  logrus.FieldLogger
}

// NewPublisher keeps at most keep entries per list.
func NewPublisher(client redis.UniversalClient, channel string, keep int64, logger logrus.FieldLogger) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Publisher{client: client, channel: channel, keep: keep, logger: logger}
}

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr, channel string, logger logrus.FieldLogger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewPublisher(client, channel, DefaultKeep, logger), nil
}

func (p *Publisher) Channel() string { return p.channel }

// Record publishes res and pushes it (and its crash digests) onto the
// recent lists in one transaction.
func (p *Publisher) Record(ctx context.Context, res report.FuzzingRunResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.channel, data)
	pipe.LPush(ctx, runsKey, data)
	pipe.LTrim(ctx, runsKey, 0, p.keep-1)
	if digests := res.CrashDigests(); len(digests) > 0 {
		vals := make([]interface{}, len(digests))
		for i, d := range digests {
			vals[i] = d
		}
		pipe.LPush(ctx, crashesKey, vals...)
		pipe.LTrim(ctx, crashesKey, 0, p.keep-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish run: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"channel": p.channel,
		"target":  res.Target,
		"port":    res.Port,
	}).Debug("Published fuzzing run")
	return nil
}

// RecentRuns returns up to n runs, newest first.
func (p *Publisher) RecentRuns(ctx context.Context, n int64) ([]report.FuzzingRunResult, error) {
	raw, err := p.client.LRange(ctx, runsKey, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	runs := make([]report.FuzzingRunResult, 0, len(raw))
	for _, r := range raw {
		var res report.FuzzingRunResult
		if err := json.Unmarshal([]byte(r), &res); err != nil {
			p.logger.WithError(err).Warn("Skipping undecodable run")
			continue
		}
		runs = append(runs, res)
	}
	return runs, nil
}

// RecentCrashes returns up to n crash payload digests, newest first.
func (p *Publisher) RecentCrashes(ctx context.Context, n int64) ([]string, error) {
	return p.client.LRange(ctx, crashesKey, 0, n-1).Result()
}

// Subscribe calls fn for every run published on the channel until ctx is
// done.
func (p *Publisher) Subscribe(ctx context.Context, fn func(report.FuzzingRunResult)) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", p.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var res report.FuzzingRunResult
			if err := json.Unmarshal([]byte(msg.Payload), &res); err != nil {
				p.logger.WithError(err).Warn("Skipping undecodable run")
				continue
			}
			fn(res)
		}
	}
}

func (p *Publisher) Close() error { return p.client.Close() }
