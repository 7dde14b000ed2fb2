package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-agent/internal/agent"
	"github.com/polzovatel/browser-agent/internal/browser"
	"github.com/polzovatel/browser-agent/internal/config"
	"github.com/polzovatel/browser-agent/internal/conversation"
	"github.com/polzovatel/browser-agent/internal/llm"
	"github.com/polzovatel/browser-agent/internal/snapshot"
	"github.com/polzovatel/browser-agent/internal/tools"
)

// session is one live browser plus the pieces that act on it.
type session struct {
	launcher  *browser.Launcher
	ctrl      browser.Controller
	collector *snapshot.Collector
	executor  *tools.Executor
}

func openSession(ctx context.Context, cfg *config.Config, client llm.Client, storage string, log zerolog.Logger) (*session, error) {
	opts := browser.Options{
		Headless:        cfg.Browser.Headless,
		DisableSecurity: cfg.Browser.DisableSecurity,
		ViewportWidth:   cfg.Browser.ViewportWidth,
		ViewportHeight:  cfg.Browser.ViewportHeight,
	}
	launcher, err := browser.NewLauncher(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("browser init: %w", err)
	}
	ctrl, err := launcher.NewController(ctx, storage, opts)
	if err != nil {
		_ = launcher.Close()
		return nil, fmt.Errorf("browser controller: %w", err)
	}

	toolOpts := tools.Options{
		AllowedDomains: cfg.Browser.AllowedDomains,
		Secrets:        cfg.Agent.SensitiveData,
	}
	if client != nil {
		toolOpts.Extractor = tools.ModelExtractor{Client: client}
	}
	executor, err := tools.New(ctrl, toolOpts, log)
	if err != nil {
		_ = ctrl.Close(ctx)
		_ = launcher.Close()
		return nil, fmt.Errorf("executor: %w", err)
	}
	return &session{
		launcher:  launcher,
		ctrl:      ctrl,
		collector: snapshot.NewCollector(ctrl, snapshot.Options{Highlight: cfg.Browser.Highlight}),
		executor:  executor,
	}, nil
}

func (s *session) Close(ctx context.Context) {
	_ = s.ctrl.Close(ctx)
	_ = s.launcher.Close()
}

func newModelClient(cfg config.LLMConfig, log zerolog.Logger) (llm.Client, error) {
	client, err := llm.NewClient(llm.Config{
		Provider:  cfg.Provider,
		Model:     cfg.Model,
		BaseURL:   cfg.BaseURL,
		MaxTokens: cfg.MaxTokens,
		Timeout:   cfg.Timeout,
	}, log.With().Str("comp", "llm").Logger())
	if err != nil {
		return nil, fmt.Errorf("llm init: %w", err)
	}
	if cfg.TokensPerMinute > 0 {
		tpm := float64(cfg.TokensPerMinute)
		client = llm.NewAdaptiveRateLimiter(tpm, tpm, log).Wrap(client)
	}
	return client, nil
}

// agentConfig maps the file/env configuration onto the step loop settings.
func agentConfig(cfg *config.Config) agent.Config {
	ac := cfg.Agent
	return agent.Config{
		MaxSteps:           ac.MaxSteps,
		MaxActionsPerStep:  ac.MaxActionsPerStep,
		MaxFailures:        ac.MaxFailures,
		RetryDelay:         ac.RetryDelay,
		WaitBetweenActions: ac.WaitBetweenActions,
		UseVision:          ac.UseVision,
		StrictNewElements:  ac.StrictNewElements,
		LoopWindow:         ac.LoopWindow,
		LoopThreshold:      ac.LoopThreshold,
		VerboseErrors:      ac.VerboseErrors,
		StructuredOutput:   ac.StructuredOutput,
		Temperature:        cfg.LLM.Temperature,
		Window: conversation.Settings{
			MaxInputTokens: ac.MaxInputTokens,
			ShrinkStep:     ac.TokenShrinkStep,
			Secrets:        ac.SensitiveData,
			Context:        ac.Context,
		},
	}
}
