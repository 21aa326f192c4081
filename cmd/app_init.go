package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/chart-audit/internal/compare"
	"github.com/sells-group/chart-audit/internal/dispatch"
	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/notify"
	"github.com/sells-group/chart-audit/internal/phi"
	"github.com/sells-group/chart-audit/internal/pipeline"
	"github.com/sells-group/chart-audit/internal/rates"
	"github.com/sells-group/chart-audit/internal/resilience"
	"github.com/sells-group/chart-audit/internal/seal"
	"github.com/sells-group/chart-audit/internal/store"
	"github.com/sells-group/chart-audit/internal/suggest"
	anthropicpkg "github.com/sells-group/chart-audit/pkg/anthropic"
)

// appEnv holds the service graph shared by the commands. Components are
// built on demand so that each command only needs the config its mode
// validates.
type appEnv struct {
	Store    store.Store
	Notifier notify.Notifier

	phi        *phi.Engine
	processor  *pipeline.Processor
	temporal   client.Client
	dispatcher *dispatch.Dispatcher
	runner     dispatch.Runner
	breakers   *resilience.ServiceBreakers

	closers []func() error
}

// initApp validates config for mode and opens the store and notifier.
// Callers should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	notifier, err := env.initNotifier(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Notifier = notifier
	return env, nil
}

// Close releases everything the environment opened, last opened first.
func (e *appEnv) Close() {
	if e.runner != nil {
		if err := e.runner.Close(); err != nil {
			zap.L().Warn("close runner", zap.Error(err))
		}
	}
	// A temporal runner closes its client.
	if _, owned := e.runner.(*dispatch.TemporalRunner); e.temporal != nil && !owned {
		e.temporal.Close()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func (e *appEnv) initNotifier(ctx context.Context) (notify.Notifier, error) {
	var sinks []notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.Notify.WebhookURL, time.Duration(cfg.Notify.WebhookTimeoutSecs)*time.Second))
		zap.L().Info("webhook notifier enabled")
	}
	if cfg.Notify.RedisURL != "" {
		rdb, err := notify.NewRedisClient(ctx, cfg.Notify.RedisURL)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, rdb.Close)
		sinks = append(sinks, notify.NewRedis(rdb, cfg.Notify.RedisChannel))
		zap.L().Info("redis notifier enabled", zap.String("channel", cfg.Notify.RedisChannel))
	}
	return notify.New(sinks...), nil
}

func resilienceSettings() resilience.Settings {
	r := cfg.Resilience
	return resilience.Settings{
		MaxAttempts:      r.MaxAttempts,
		InitialBackoffMs: r.InitialBackoffMs,
		MaxBackoffMs:     r.MaxBackoffMs,
		BreakerThreshold: r.BreakerThreshold,
		BreakerResetSecs: r.BreakerResetSecs,
	}
}

// breaker returns the shared circuit breaker for an external service.
func (e *appEnv) breaker(service string) *resilience.CircuitBreaker {
	if e.breakers == nil {
		e.breakers = resilienceSettings().Breakers()
	}
	return e.breakers.Get(service)
}

// PHI returns the PHI engine, building the classifier and sealer on first use.
func (e *appEnv) PHI(ctx context.Context) (*phi.Engine, error) {
	if e.phi != nil {
		return e.phi, nil
	}
	key, err := seal.ParseKey(cfg.Crypto.Key)
	if err != nil {
		return nil, err
	}
	sealer, err := seal.New(key)
	if err != nil {
		return nil, err
	}
	classifier, err := initClassifier(ctx)
	if err != nil {
		return nil, err
	}
	e.phi = phi.NewEngine(classifier, sealer, e.Store,
		phi.WithBreaker(e.breaker("comprehend")),
		phi.WithRetry(resilienceSettings().Retry("comprehend", "detect_phi")),
	)
	return e.phi, nil
}

func initClassifier(ctx context.Context) (phi.Classifier, error) {
	switch cfg.PHI.Classifier {
	case "none":
		zap.L().Warn("phi classifier disabled, notes are stored without de-identification")
		return phi.ClassifierFunc(func(context.Context, string) ([]model.PHIEntity, error) {
			return nil, nil
		}), nil
	case "comprehend":
		api, err := phi.NewComprehendClient(ctx, phi.AWSConfig{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			Endpoint:        cfg.AWS.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return phi.NewComprehendClassifier(api, phi.ComprehendOptions{
			MaxChunkBytes:     cfg.PHI.MaxChunkBytes,
			ChunkOverlapBytes: cfg.PHI.ChunkOverlapBytes,
			MinScore:          cfg.PHI.MinScore,
			RequestsPerSecond: cfg.PHI.RequestsPerSecond,
			Burst:             cfg.PHI.Burst,
		}), nil
	default:
		return nil, eris.Errorf("unsupported phi classifier: %s", cfg.PHI.Classifier)
	}
}

func initSuggester() (suggest.Client, error) {
	var next suggest.Client
	switch cfg.Suggest.Provider {
	case "anthropic":
		next = suggest.NewAnthropicClient(
			anthropicpkg.NewClient(cfg.Anthropic.Key, cfg.Anthropic.BaseURL),
			cfg.Anthropic.Model,
			int64(cfg.Suggest.MaxTokens),
		)
	case "openai":
		next = suggest.NewOpenAIClient(cfg.OpenAI.Key, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, cfg.Suggest.MaxTokens)
	default:
		return nil, eris.Errorf("unsupported suggestion provider: %s", cfg.Suggest.Provider)
	}
	zap.L().Info("suggestion provider configured", zap.String("provider", cfg.Suggest.Provider))
	return next, nil
}

func initCompare() (*compare.Engine, error) {
	lookup, err := rates.LoadLookup(cfg.Rates.Path)
	if err != nil {
		return nil, eris.Wrap(err, "load rates")
	}
	zap.L().Info("rates loaded",
		zap.Int("default_codes", lookup.Default.Len()),
		zap.Int("schedules", len(lookup.Schedules)),
	)
	return compare.New(lookup, compare.WithPrefixLength(cfg.Rates.PrefixLength)), nil
}

// Processor returns the report processor, building the suggestion client
// and comparison engine on first use.
func (e *appEnv) Processor(ctx context.Context) (*pipeline.Processor, error) {
	if e.processor != nil {
		return e.processor, nil
	}
	mappings, err := e.PHI(ctx)
	if err != nil {
		return nil, err
	}
	next, err := initSuggester()
	if err != nil {
		return nil, err
	}
	cmp, err := initCompare()
	if err != nil {
		return nil, err
	}
	guarded := suggest.NewGuarded(next, e.breaker(cfg.Suggest.Provider), resilienceSettings().Retry(cfg.Suggest.Provider, "suggest_codes"))
	e.processor = pipeline.NewProcessor(e.Store, mappings, guarded, cmp, e.Notifier, pipeline.Config{
		HardBudget: cfg.Dispatch.HardBudget(),
		SoftBudget: cfg.Dispatch.SoftBudget(),
	})
	e.closers = append(e.closers, e.processor.Close)
	return e.processor, nil
}

// Temporal returns a Temporal client, dialing on first use.
func (e *appEnv) Temporal() (client.Client, error) {
	if e.temporal != nil {
		return e.temporal, nil
	}
	c, err := dispatch.DialTemporal(dispatch.TemporalConfig{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, err
	}
	e.temporal = c
	return c, nil
}

// runnerMode controls what a local-backend process does with enqueued
// reports.
type runnerMode int

const (
	// runnerDeferred leaves reports PENDING for a worker process.
	runnerDeferred runnerMode = iota
	// runnerInProcess executes reports in this process.
	runnerInProcess
)

// Dispatcher returns the dispatcher for the configured backend. With the
// temporal backend reports always go to the task queue; with the local
// backend mode decides whether this process runs them.
func (e *appEnv) Dispatcher(ctx context.Context, mode runnerMode) (*dispatch.Dispatcher, error) {
	if e.dispatcher != nil {
		return e.dispatcher, nil
	}

	var runner dispatch.Runner
	switch cfg.Dispatch.Backend {
	case "temporal":
		c, err := e.Temporal()
		if err != nil {
			return nil, err
		}
		runner = dispatch.NewTemporalRunner(c, cfg.Temporal.TaskQueue, cfg.Dispatch.HardBudget())
	case "local":
		if mode == runnerInProcess {
			proc, err := e.Processor(ctx)
			if err != nil {
				return nil, err
			}
			runner = dispatch.NewLocalRunner(ctx, proc.Process, cfg.Dispatch.Workers, cfg.Dispatch.QueueSize)
		}
	default:
		return nil, eris.Errorf("unsupported dispatch backend: %s", cfg.Dispatch.Backend)
	}

	e.runner = runner
	e.dispatcher = dispatch.New(e.Store, runner, e.Notifier, dispatch.Config{
		MaxRetries:  cfg.Dispatch.MaxRetries,
		HardBudget:  cfg.Dispatch.HardBudget(),
		StaleMargin: cfg.Dispatch.StaleMargin,
	})
	return e.dispatcher, nil
}

// Intake returns an intake bound to the PHI engine and dispatcher.
func (e *appEnv) Intake(ctx context.Context, mode runnerMode) (*pipeline.Intake, error) {
	deid, err := e.PHI(ctx)
	if err != nil {
		return nil, err
	}
	d, err := e.Dispatcher(ctx, mode)
	if err != nil {
		return nil, err
	}
	return pipeline.NewIntake(e.Store, deid, d, e.Notifier), nil
}
