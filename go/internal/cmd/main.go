package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/mcdev12/symbolduel/go/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("symbolduel failed")
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "symbolduel",
		Short:         "Two-player symbol matching duel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newPlayCmd())
	return root
}

func newPlayCmd() *cobra.Command {
	var (
		configPath string
		relay      string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Join a duel and serve the presentation gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if relay != "" {
				cfg.Relay = config.RelayKind(relay)
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return play(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("SYMBOLDUEL_CONFIG"), "path to a YAML config file")
	cmd.Flags().StringVar(&relay, "relay", "", "directory relay: nats or memory")
	cmd.Flags().StringVar(&addr, "addr", "", "gateway listen address")
	return cmd
}
