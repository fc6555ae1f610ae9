package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lifeline/internal/llm"
)

var generateJSON bool

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Ask the generative backend, paced and retried",
	Long: `Sends the prompt to the configured Gemini model. Calls are spaced by
the configured per-minute budget and retried with backoff. When every
attempt fails a fixed fallback message is printed instead of an error.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().BoolVar(&generateJSON, "json", false, "Require a JSON reply")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		if err := a.cfg.ValidateLLM(); err != nil {
			return err
		}

		backend, err := llm.NewGenAIBackend(ctx, llm.GenAIConfig{
			APIKey:  a.cfg.LLM.APIKey,
			BaseURL: a.cfg.LLM.BaseURL,
		})
		if err != nil {
			return err
		}
		client := llm.NewClient(backend, llm.Config{
			Model:             a.cfg.LLM.Model,
			MaxCallsPerMinute: a.cfg.LLM.MaxCallsPerMinute,
			MaxAttempts:       a.cfg.LLM.MaxAttempts,
			Timeout:           a.cfg.GetLLMTimeout(),
		})

		prompt := strings.Join(args, " ")
		var reply string
		if generateJSON {
			reply = client.GenerateJSON(ctx, prompt)
		} else {
			reply = client.Generate(ctx, prompt)
		}
		if llm.IsSentinel(reply) {
			logger.Warn("generation unavailable", zap.String("model", client.Model()))
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	})
}
