package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"guardrails-chat/internal/config"
	"guardrails-chat/internal/credential"
	"guardrails-chat/internal/domain"
	"guardrails-chat/internal/guard"
	"guardrails-chat/internal/integrations/openai"
	"guardrails-chat/internal/observability"
	"guardrails-chat/internal/repository"
	"guardrails-chat/internal/session"
	"guardrails-chat/internal/usecase"
)

const serviceName = "guardchat"

type flags struct {
	configPath  string
	model       string
	temperature float64
	validators  []string
	noGuard     bool
	changed     func(name string) bool
}

// apply lets explicitly set flags override the loaded configuration.
func (f flags) apply(cfg *config.Config) error {
	changed := f.changed
	if changed == nil {
		changed = func(string) bool { return false }
	}
	if changed("model") {
		cfg.Model = f.model
	}
	if changed("temperature") {
		cfg.Temperature = f.temperature
	}
	if changed("validators") {
		cfg.Guard.Validators = f.validators
	}
	if f.noGuard {
		cfg.Guard.Enabled = false
	}
	return cfg.Validate()
}

type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	turns      *usecase.TurnService
	validators domain.ValidatorConfig
	credential string
	closers    []func() error
}

func (a *app) sessionOptions() session.Options {
	return session.Options{
		Credential:   a.credential,
		GuardEnabled: a.cfg.Guard.Enabled,
		Validators:   a.validators.Clone(),
		PII:          a.cfg.Guard.PII,
		Jailbreak:    a.cfg.Guard.Jailbreak,
		Model:        a.cfg.Model,
		Temperature:  a.cfg.Temperature,
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown", "err", err)
		}
	}
}

// buildApp is the only place configuration is read.
func buildApp(ctx context.Context, f flags) (*app, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if err := f.apply(cfg); err != nil {
		return nil, err
	}
	validators, err := cfg.ValidatorConfig()
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := observability.OpenLogger(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	a := &app{cfg: cfg, logger: logger, validators: validators, closers: []func() error{closeLog}}

	shutdownTracer, err := observability.InitTracer(serviceName, cfg.Trace.File, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, func() error { return shutdownTracer(context.Background()) })

	client := openai.NewClient(
		openai.WithBaseURL(cfg.OpenAI.BaseURL),
		openai.WithTimeout(cfg.OpenAI.Timeout),
	)

	var (
		ssmClient    *awsssm.Client
		dynamoClient *awsdynamodb.Client
	)
	if cfg.ParamPrefix != "" || cfg.Archive.Table != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		if cfg.ParamPrefix != "" {
			ssmClient = awsssm.NewFromConfig(awsCfg)
		}
		if cfg.Archive.Table != "" {
			dynamoClient = awsdynamodb.NewFromConfig(awsCfg)
		}
	}

	a.credential = resolveCredential(ctx, logger, cfg, ssmClient)

	pipeline, err := newPipeline(cfg, client, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	opts := []usecase.Option{
		usecase.WithInputScreener(guard.NewInputGuard()),
		usecase.WithLogger(logger),
	}
	if dynamoClient != nil {
		archive, err := repository.New(dynamoClient, cfg.Archive.Table)
		if err != nil {
			a.close()
			return nil, err
		}
		opts = append(opts, usecase.WithArchive(archive))
	}

	a.turns, err = usecase.NewTurnService(client, pipeline, opts...)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// resolveCredential returns the pre-supplied key, or "" when the user has
// to enter one.
func resolveCredential(ctx context.Context, logger *slog.Logger, cfg *config.Config, ssmClient *awsssm.Client) string {
	sources := []credential.Source{credential.Static{Label: "config", Key: cfg.OpenAI.APIKey}}
	if ssmClient != nil {
		store, err := credential.NewParamStore(ssmClient, cfg.ParamPrefix)
		if err != nil {
			logger.Warn("parameter store credential source disabled", "err", err)
		} else {
			sources = append(sources, store)
		}
	}

	key, origin, err := credential.NewResolver(sources...).Resolve(ctx)
	switch {
	case errors.Is(err, credential.ErrNotFound):
		logger.Info("no pre-supplied OpenAI key")
		return ""
	case err != nil:
		logger.Warn("credential lookup failed", "source", origin, "err", err)
		return ""
	}
	logger.Info("using pre-supplied OpenAI key", "source", origin)
	return key
}

func newPipeline(cfg *config.Config, client *openai.Client, logger *slog.Logger) (*guard.Pipeline, error) {
	length, err := guard.NewLength(cfg.Length.MaxChars, cfg.Length.MaxTokens)
	if err != nil {
		return nil, err
	}
	toxicity, err := guard.NewToxicity(client, cfg.Toxicity.Thresholds)
	if err != nil {
		return nil, err
	}
	factual, err := guard.NewFactual(client, cfg.Guard.JudgeModel)
	if err != nil {
		return nil, err
	}
	bias, err := guard.NewBias(client, cfg.Guard.JudgeModel)
	if err != nil {
		return nil, err
	}
	return guard.NewPipeline(map[domain.ValidatorName]guard.Validator{
		domain.LengthCheck:        length,
		domain.ToxicityCheck:      toxicity,
		domain.FactualConsistency: factual,
		domain.BiasCheck:          bias,
	}, guard.WithLogger(logger))
}
