package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pulseworm/pkg/config"
)

var log = logrus.New()

var (
	v          = config.New()
	configFile string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "pulseworm",
		Short:         "Evolutionary protocol fuzzer for services you are authorized to test",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().String("log-format", "text", "log format: text or json")
	bind(root, "log.format", "log-format")

	root.AddCommand(newScanCmd(), newFuzzCmd(), newServeCmd(), newTokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.WithError(err).Error("pulseworm failed")
		os.Exit(1)
	}
}

// bindings maps viper keys to flag names per command. They are applied when
// the command runs, since scan and fuzz share keys.
var bindings = map[*cobra.Command][][2]string{}

func bind(cmd *cobra.Command, key, flag string) {
	bindings[cmd] = append(bindings[cmd], [2]string{key, flag})
}

// loadConfig binds the flags of cmd and its parents, reads the configuration
// and sets up the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	for c := cmd; c != nil; c = c.Parent() {
		for _, b := range bindings[c] {
			f := cmd.Flags().Lookup(b[1])
			if f == nil {
				return nil, fmt.Errorf("no flag %q", b[1])
			}
			if err := v.BindPFlag(b[0], f); err != nil {
				return nil, err
			}
		}
	}
	if verbose {
		v.Set("log.level", "debug")
	}
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Log.ConfigureLogger(log); err != nil {
		return nil, err
	}
	log.WithField("config", viperSource(v)).Debug("Configuration loaded")
	return cfg, nil
}

func viperSource(v *viper.Viper) string {
	if f := v.ConfigFileUsed(); f != "" {
		return f
	}
	return "defaults+env"
}
