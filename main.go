/*
Arcade trains and plays reinforcement learning agents on three small games: snake, pong,
and a binary puzzle (tango). Each game owns a session with its own environment, agent and
control state. Operators drive training over HTTP, and browsers watch training progress
or a live inference run over websocket feeds. Models are persisted as yaml under the
model directory and reloaded when a game is first used.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"arcade/config"
	"arcade/logging"
	"arcade/orchestration"
	"arcade/registry"
	"arcade/reinforcement"
	"arcade/server"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "ARCADE"

func main() {
	// A missing .env is normal.
	_ = godotenv.Load()

	if err := rootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	vp.AutomaticEnv()

	root := &cobra.Command{
		Use:   "arcade",
		Short: "Train and play reinforcement learning agents on small games.",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the training control surface and the state feeds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Only an explicitly named config file must exist.
			vp.Set("config-required", cmd.Flags().Changed("config"))
			return runApp(cmd.Context(), vp)
		},
	}

	flags := serve.Flags()
	flags.String("config", "./config.yaml", "path to the config file")
	flags.String("addr", "", "listen address, overrides the config file")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: console or json")
	flags.String("model-dir", "", "directory models are saved to and loaded from")
	for _, name := range []string{"config", "addr", "log-level", "log-format", "model-dir"} {
		_ = vp.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(serve)
	return root
}

func runApp(ctx context.Context, vp *viper.Viper) (err error) {
	var cfg *config.AppConfig
	if cfg, err = config.Load(vp); err != nil {
		return
	}
	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	appCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := reinforcement.NewFileStore(afero.NewOsFs(), cfg.ModelDir)
	reg := registry.New(cfg, store, logger)
	controller := orchestration.NewController(
		reg,
		orchestration.NewBroadcaster(logger),
		orchestration.Timing{
			Training:  cfg.Training.Tick,
			Inference: cfg.Inference.Tick,
		},
		logger)

	srv := server.NewServer(cfg.Server.Addr, controller, logger)
	err = srv.Serve(appCtx)

	// Training loops save their own models on exit; SaveAll covers the rest.
	controller.Close()
	if saveErr := reg.SaveAll(); saveErr != nil {
		logger.Error().Err(saveErr).Msg("failed to save models on shutdown")
		err = errors.Join(err, saveErr)
	}
	logger.Info().Msg("shut down")
	return
}
