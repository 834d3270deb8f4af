package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"guardrails-chat/handler"
	"guardrails-chat/internal/chatui"
	"guardrails-chat/internal/session"
)

const inputHistorySize = 100

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("guardchat failed", "err", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:           "guardchat",
		Short:         "Chat with an OpenAI model and compare raw and guarded responses",
		SilenceUsage:  true,
		SilenceErrors: true,
		// The Lambda runtime starts the binary without arguments.
		RunE: func(cmd *cobra.Command, _ []string) error {
			if os.Getenv("AWS_LAMBDA_RUNTIME_API") == "" {
				return cmd.Help()
			}
			f.changed = cmd.Flags().Changed
			return runLambda(cmd.Context(), f)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "path to a YAML config file (default ./guardchat.yaml if present)")
	pf.StringVar(&f.model, "model", "", "chat model")
	pf.Float64Var(&f.temperature, "temperature", 0, "sampling temperature (0-2)")
	pf.StringSliceVar(&f.validators, "validators", nil, "validators enabled at start (length-check,toxicity-check,factual-consistency,bias-check)")
	pf.BoolVar(&f.noGuard, "no-guard", false, "start with guardrails disabled")

	chat := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.changed = cmd.Flags().Changed
			return runChat(cmd.Context(), f)
		},
	}
	lambdaCmd := &cobra.Command{
		Use:   "lambda",
		Short: "Serve one chat turn per API Gateway invocation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.changed = cmd.Flags().Changed
			return runLambda(cmd.Context(), f)
		},
	}
	root.AddCommand(chat, lambdaCmd)
	return root
}

func runChat(ctx context.Context, f flags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, f)
	if err != nil {
		return err
	}
	defer a.close()

	sess := session.New(a.sessionOptions())
	runner, err := chatui.NewRunner(a.turns, sess, chatui.NewInputReader(inputHistorySize), chatui.WithLogger(a.logger))
	if err != nil {
		return err
	}
	a.logger.Info("chat session started", "session_id", sess.ID(), "guard", sess.GuardEnabled(), "credential", sess.HasCredential())
	return runner.Run(ctx)
}

func runLambda(ctx context.Context, f flags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := buildApp(ctx, f)
	if err != nil {
		return err
	}
	defer a.close()

	opts := a.sessionOptions()
	h, err := handler.NewHandler(a.turns, handler.Defaults{
		Credential:   opts.Credential,
		GuardEnabled: opts.GuardEnabled,
		Validators:   opts.Validators,
		PII:          opts.PII,
		Jailbreak:    opts.Jailbreak,
		Model:        opts.Model,
		Temperature:  opts.Temperature,
	}, handler.WithLogger(a.logger))
	if err != nil {
		return err
	}

	lambda.Start(h.Handle)
	return nil
}
