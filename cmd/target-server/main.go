// target-server runs a lab service for pulseworm to fuzz.
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pulseworm/pkg/labtarget"
	"pulseworm/pkg/proto"
)

var log = logrus.New()

func main() {
	var (
		addr       string
		protocol   string
		dropPrefix string
		statsEvery time.Duration
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "target-server",
		Short: "Answer like a given protocol on a local port",
		Long: "target-server replies to every payload with the banner of --proto.\n" +
			"Payloads starting with --drop-prefix get no reply, which the fuzzer\n" +
			"records as a crash.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if debug {
				log.SetLevel(logrus.DebugLevel)
			}
			p := proto.Parse(protocol)
			if !p.Known() {
				return fmt.Errorf("unknown protocol %q", protocol)
			}
			respond := labtarget.Banner(p)
			if dropPrefix != "" {
				prefix, err := hex.DecodeString(dropPrefix)
				if err != nil {
					return fmt.Errorf("--drop-prefix: %w", err)
				}
				respond = labtarget.DropWhen(func(b []byte) bool { return bytes.HasPrefix(b, prefix) }, respond)
			}

			srv := labtarget.NewServer(respond, log)
			if err := srv.Listen(addr); err != nil {
				return err
			}
			log.WithFields(logrus.Fields{"addr": srv.Addr().String(), "protocol": p}).Info("Lab target listening")

			ctx := cmd.Context()
			if statsEvery > 0 {
				go logStats(ctx, srv, statsEvery)
			}
			err := srv.Serve(ctx)
			st := srv.Stats()
			log.WithFields(logrus.Fields{
				"connections": st.Connections,
				"replies":     st.Replies,
				"dropped":     st.Dropped,
			}).Info("Lab target stopped")
			if errors.Is(err, labtarget.ErrClosed) {
				return nil
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "127.0.0.1:1337", "listen address")
	f.StringVar(&protocol, "proto", "smb", "protocol to imitate")
	f.StringVar(&dropPrefix, "drop-prefix", "", "hex prefix of payloads to leave unanswered")
	f.DurationVar(&statsEvery, "stats", 0, "log counters at this interval")
	f.BoolVar(&debug, "debug", os.Getenv("PULSEWORM_DEBUG") == "1", "debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		log.WithError(err).Error("target-server failed")
		os.Exit(1)
	}
}

func logStats(ctx context.Context, srv *labtarget.Server, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st := srv.Stats()
			log.WithFields(logrus.Fields{
				"connections": st.Connections,
				"replies":     st.Replies,
				"dropped":     st.Dropped,
			}).Info("Lab target stats")
		}
	}
}
