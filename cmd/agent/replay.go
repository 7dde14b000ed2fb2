package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/polzovatel/browser-agent/internal/agent"
	"github.com/polzovatel/browser-agent/internal/history"
	"github.com/polzovatel/browser-agent/internal/llm"
)

type replayOptions struct {
	storage      string
	maxRetries   int
	noSkip       bool
	withModel    bool
	historyInput string
}

func newReplayCmd(a *app) *cobra.Command {
	o := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay HISTORY_FILE",
		Short: "Re-execute the actions of a saved run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.historyInput = args[0]
			return a.replay(cmd, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.storage, "storage", "", "path to Playwright storage state")
	f.IntVar(&o.maxRetries, "max-retries", 0, "override replay.max_retries")
	f.BoolVar(&o.noSkip, "no-skip-failures", false, "abort on the first failing step")
	f.BoolVar(&o.withModel, "with-model", false, "enable extract_content by connecting to the model")
	return cmd
}

func (a *app) replay(cmd *cobra.Command, o *replayOptions) error {
	h, err := history.LoadFile(o.historyInput)
	if err != nil {
		return err
	}
	opts := agent.ReplayOptions{
		MaxRetries:   a.cfg.Replay.MaxRetries,
		SkipFailures: a.cfg.Replay.SkipFailures && !o.noSkip,
		Delay:        a.cfg.Replay.Delay,
	}
	if cmd.Flags().Changed("max-retries") {
		opts.MaxRetries = o.maxRetries
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var client llm.Client
	if o.withModel {
		if client, err = newModelClient(a.cfg.LLM, a.log); err != nil {
			return err
		}
	}
	sess, err := openSession(ctx, a.cfg, client, firstNonEmpty(o.storage, a.cfg.Browser.StorageState), a.log)
	if err != nil {
		return err
	}
	defer sess.Close(context.Background())

	// Replay never consults the planner; the task only labels the log.
	orch := agent.NewOrchestrator("replay "+o.historyInput, agentConfig(a.cfg), nil, sess.collector, sess.executor, a.log)
	results, err := orch.Replay(ctx, h, opts)

	out := cmd.OutOrStdout()
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
			fmt.Fprintln(out, "failed:", r.Error)
		}
	}
	fmt.Fprintf(out, "Replayed %d results, %d failed.\n", len(results), failed)
	return err
}
