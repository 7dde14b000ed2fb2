package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polzovatel/browser-agent/internal/actions"
	"github.com/polzovatel/browser-agent/internal/agent"
	"github.com/polzovatel/browser-agent/internal/history"
)

const maxTaskLength = 2000

type runOptions struct {
	task       string
	startURL   string
	storage    string
	saveState  string
	maxSteps   int
	headless   bool
	historyOut string
	checkpoint string
	resume     string
}

func addRunFlags(cmd *cobra.Command, o *runOptions) {
	f := cmd.Flags()
	f.StringVarP(&o.task, "task", "t", "", "task description (prompted for when empty)")
	f.StringVar(&o.startURL, "start-url", "", "open this URL before the first step")
	f.StringVar(&o.storage, "storage", "", "path to Playwright storage state")
	f.StringVar(&o.saveState, "save-state", "", "path to save updated storage state")
	f.IntVar(&o.maxSteps, "max-steps", 0, "override agent.max_steps")
	f.BoolVar(&o.headless, "headless", false, "override browser.headless")
	f.StringVar(&o.historyOut, "history-out", "", "write the run history as JSON")
	f.StringVar(&o.checkpoint, "checkpoint", "", "save run state after every step")
	f.StringVar(&o.resume, "resume", "", "resume from a saved run state")
}

func newRunCmd(a *app) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a task in the browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, o)
		},
	}
	addRunFlags(cmd, o)
	return cmd
}

func (a *app) run(cmd *cobra.Command, o *runOptions) error {
	cfg := a.cfg
	if cmd.Flags().Changed("max-steps") {
		cfg.Agent.MaxSteps = o.maxSteps
	}
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = o.headless
	}
	storage := firstNonEmpty(o.storage, cfg.Browser.StorageState)
	out := cmd.OutOrStdout()

	var resumed *agent.RunState
	task := strings.TrimSpace(o.task)
	if o.resume != "" {
		rs, err := agent.LoadRunState(o.resume)
		if err != nil {
			return err
		}
		resumed, task = rs, rs.Task
	}
	if task == "" {
		t, cancelled, err := promptTask(cmd.InOrStdin(), out)
		if err != nil {
			return fmt.Errorf("prompt task: %w", err)
		}
		if cancelled {
			fmt.Fprintln(out, "Cancelled.")
			return nil
		}
		task = t
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()

	client, err := newModelClient(cfg.LLM, a.log)
	if err != nil {
		return err
	}
	sess, err := openSession(ctx, cfg, client, storage, a.log)
	if err != nil {
		return err
	}
	defer sess.Close(context.Background())

	acfg := agentConfig(cfg)
	if o.startURL != "" {
		acfg.InitialActions = []actions.Action{actions.GoToURL{URL: o.startURL}}
	}
	registry := actions.Default()
	opts := []agent.Option{agent.WithRegistry(registry)}
	if resumed != nil {
		opts = append(opts, agent.WithRunState(resumed))
	}
	if o.checkpoint != "" {
		path := o.checkpoint
		opts = append(opts, agent.WithHooks(agent.Hooks{
			AfterStep: func(ctx context.Context, orch *agent.Orchestrator) error {
				return orch.Snapshot().Save(path)
			},
		}))
	}
	orch := agent.NewOrchestrator(task, acfg,
		agent.NewPlanner(client, registry, acfg.Temperature),
		sess.collector, sess.executor, a.log, opts...)

	fmt.Fprintln(out, "Starting task. Ctrl+C pauses, Ctrl+C again stops.")
	hist, runErr := runInteractive(ctx, orch, cmd.InOrStdin(), out)

	if o.historyOut != "" {
		if err := hist.SaveFile(o.historyOut); err != nil {
			a.log.Error().Err(err).Str("path", o.historyOut).Msg("save history")
		}
	}
	if o.checkpoint != "" {
		if err := orch.Snapshot().Save(o.checkpoint); err != nil {
			a.log.Error().Err(err).Str("path", o.checkpoint).Msg("save checkpoint")
		}
	}
	if o.saveState != "" && !errors.Is(runErr, agent.ErrBrowserUnavailable) {
		if err := sess.ctrl.SaveState(context.Background(), o.saveState); err != nil {
			a.log.Error().Err(err).Msg("save state")
		} else {
			a.log.Info().Str("path", o.saveState).Msg("storage saved")
		}
	}
	printOutcome(out, hist)
	return runErr
}

// runInteractive runs orch while translating Ctrl+C and Enter into pause,
// resume and stop.
func runInteractive(ctx context.Context, orch *agent.Orchestrator, in io.Reader, out io.Writer) (*history.List, error) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	// Stdin reads cannot be cancelled; a reader blocked in Scan ends with
	// the process.
	lines := make(chan string)
	go forwardLines(gctx, in, lines)

	var hist *history.List
	g.Go(func() error {
		defer cancel()
		var err error
		hist, err = orch.Run(gctx)
		return err
	})
	g.Go(func() error {
		watchControls(gctx, orch.Controls(), sigs, lines, out)
		return nil
	})
	err := g.Wait()
	return hist, err
}

// forwardLines sends each input line to lines until in ends or ctx is done.
func forwardLines(ctx context.Context, in io.Reader, lines chan<- string) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-ctx.Done():
			return
		}
	}
}

// watchControls maps interrupts and input lines onto run controls until ctx
// ends. The first interrupt pauses, a second one while paused stops, and any
// line while paused resumes.
func watchControls(ctx context.Context, c *agent.Controls, sigs <-chan os.Signal, lines <-chan string, out io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			if c.Paused() {
				fmt.Fprintln(out, "\nStopping...")
				c.Stop()
				continue
			}
			c.Pause()
			fmt.Fprintln(out, "\nPaused. Press Enter to resume, Ctrl+C to stop.")
		case <-lines:
			if c.Paused() && !c.Stopped() {
				c.Resume()
				fmt.Fprintln(out, "Resuming...")
			}
		}
	}
}

func printOutcome(out io.Writer, h *history.List) {
	if h == nil {
		return
	}
	switch {
	case h.IsSuccessful():
		fmt.Fprintf(out, "\nDone in %d steps:\n%s\n", h.Len(), h.FinalResult())
	case h.IsDone():
		fmt.Fprintf(out, "\nFinished without success after %d steps:\n%s\n", h.Len(), h.FinalResult())
	default:
		if errs := h.Errors(); len(errs) > 0 {
			fmt.Fprintf(out, "\nStopped after %d steps: %s\n", h.Len(), errs[len(errs)-1])
		}
	}
}

func promptTask(in io.Reader, out io.Writer) (string, bool, error) {
	reader := bufio.NewReader(in)
	fmt.Fprint(out, "Enter a task (leave empty to cancel): ")
	line, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", false, err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", true, nil
	}
	return sanitizeTask(line, out), false, nil
}

// sanitizeTask caps the length and drops control characters other than
// whitespace.
func sanitizeTask(line string, out io.Writer) string {
	if r := []rune(line); len(r) > maxTaskLength {
		fmt.Fprintf(out, "Task too long (max %d characters), truncated\n", maxTaskLength)
		line = string(r[:maxTaskLength])
	}
	var b strings.Builder
	for _, r := range line {
		if r >= 32 || r == '\n' || r == '\r' || r == '\t' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
