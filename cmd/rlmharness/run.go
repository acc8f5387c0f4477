package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeffmylife/rlm/internal/config"
	"github.com/jeffmylife/rlm/internal/observability"
	"github.com/jeffmylife/rlm/internal/rlm"
)

type runFlags struct {
	configPath  string
	contextPath string
	question    string
	traceOut    string
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single completion against a context and question",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompletion(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", "", "path to the harness config file (YAML or JSON5)")
	cmd.Flags().StringVar(&flags.contextPath, "context", "", "path to the context file handed to the run")
	cmd.Flags().StringVar(&flags.question, "question", "", "the question to answer")
	cmd.Flags().StringVar(&flags.traceOut, "trace-out", "", "optional path to write the run's JSON trace")
	_ = cmd.MarkFlagRequired("question")
	return cmd
}

func runCompletion(ctx context.Context, flags *runFlags) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config.Config
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = *loaded
	} else {
		cfg = config.DefaultConfig()
	}

	logger := observability.MustNewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})

	opts := []rlm.Option{
		rlm.WithRunConfig(rlm.RunConfig{
			RootModel:               cfg.RootModel,
			SubModel:                cfg.SubModel,
			IterationLimit:          cfg.MaxIterations,
			SubcallLimit:            cfg.MaxTotalSubcalls,
			RequestTimeout:          cfg.RequestTimeout,
			MaxExecutionOutputChars: cfg.MaxExecutionOutputChars,
			Redaction: rlm.RedactionPolicy{
				MaxPromptChars:         cfg.Redaction.MaxPromptChars,
				MaxContextPreviewChars: cfg.Redaction.MaxContextPreviewChars,
				MaxReplOutputChars:     cfg.Redaction.MaxReplOutputChars,
				HeadChars:              cfg.Redaction.HeadChars,
				TailChars:              cfg.Redaction.TailChars,
			},
		}),
		rlm.WithLogger(logger),
		rlm.WithBridgeOptions(rlm.BridgeOptions{
			BindAddr:    cfg.Bridge.BindAddr,
			RequireAuth: cfg.Bridge.SignBridgeTokens,
		}),
	}
	if len(cfg.Worker.Command) > 0 {
		opts = append(opts, rlm.WithWorkerCommand(cfg.Worker.Command))
	}

	if cfg.Providers.Anthropic.APIKey != "" || cfg.RootModel == "" || isAnthropicModel(cfg.RootModel) {
		client, err := rlm.NewAnthropicClient(cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.BaseURL, cfg.RootModel)
		if err == nil {
			opts = append(opts, rlm.WithAnthropicClient(client))
		}
	}
	if cfg.Providers.OpenAI.APIKey != "" || os.Getenv("OPENAI_API_KEY") != "" {
		client, err := rlm.NewOpenAIClient(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL, "")
		if err == nil {
			opts = append(opts, rlm.WithOpenAIClient(client))
		}
	}

	harness, err := rlm.New(opts...)
	if err != nil {
		return err
	}

	contextBytes, err := os.ReadFile(flags.contextPath)
	if err != nil {
		return fmt.Errorf("read context file: %w", err)
	}

	req := rlm.CompletionRequest{
		Context:         rlm.Context{Kind: rlm.ContextKindString, String: string(contextBytes)},
		ContextFilePath: flags.contextPath,
		Question:        flags.question,
	}

	result, err := harness.Complete(ctx, req)
	if err != nil {
		return err
	}

	fmt.Println(result.Answer)

	if flags.traceOut != "" && result.Trace != nil {
		data, err := json.MarshalIndent(result.Trace, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal trace: %w", err)
		}
		if err := os.WriteFile(flags.traceOut, data, 0o644); err != nil {
			return fmt.Errorf("write trace: %w", err)
		}
	}
	return nil
}

func isAnthropicModel(model string) bool {
	if model == "" {
		return true
	}
	return len(model) >= 6 && model[:6] == "claude"
}
