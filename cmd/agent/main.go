package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/polzovatel/browser-agent/internal/config"
	"github.com/polzovatel/browser-agent/internal/logging"
)

// app carries what PersistentPreRunE resolves for every subcommand.
type app struct {
	cfgFile string
	cfg     *config.Config
	log     zerolog.Logger
	logFile io.Closer
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd(&app{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	run := &runOptions{}
	root := &cobra.Command{
		Use:   "agent",
		Short: "Drive a browser with a language model until a task is done",
		Long: `agent runs a step loop: it captures the page, asks the model for the next
actions, executes them and records the outcome. Without a subcommand it runs
a task (same as "agent run").`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logFile != nil {
				return a.logFile.Close()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, run)
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	addRunFlags(root, run)

	root.AddCommand(newRunCmd(a), newReplayCmd(a), newConfigCmd(a))
	return root
}

func (a *app) initialize(cmd *cobra.Command) error {
	cfg, err := config.Load(viper.New(), a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log, a.logFile = logging.New(cfg.Log, cmd.ErrOrStderr())
	return nil
}

func newConfigCmd(a *app) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.cfg.YAML()
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cfgCmd
}
