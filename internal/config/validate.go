package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validation modes, one per command family.
const (
	ModeSubmit = "submit"
	ModeWorker = "worker"
	ModeAdmin  = "admin"
	ModePHI    = "phi"
)

// Validate checks that the settings a command needs are present and sane.
// All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case ModeSubmit:
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateCrypto()...)
		errs = append(errs, c.validateClassifier()...)
		errs = append(errs, c.validateDispatch()...)
	case ModeWorker:
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateCrypto()...)
		errs = append(errs, c.validateSuggest()...)
		errs = append(errs, c.validateDispatch()...)
	case ModeAdmin:
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateDispatch()...)
	case ModePHI:
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateCrypto()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required for the postgres driver"}
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return []string{"store.sqlite_path is required for the sqlite driver"}
		}
	default:
		return []string{fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver)}
	}
	return nil
}

func (c *Config) validateCrypto() []string {
	if c.Crypto.Key == "" {
		return []string{"crypto.key is required"}
	}
	return nil
}

func (c *Config) validateClassifier() []string {
	var errs []string
	switch c.PHI.Classifier {
	case "comprehend":
		if c.AWS.Region == "" {
			errs = append(errs, "aws.region is required for the comprehend classifier")
		}
	case "none":
	default:
		errs = append(errs, fmt.Sprintf("phi.classifier must be comprehend or none, got %q", c.PHI.Classifier))
	}
	if c.PHI.MinScore < 0 || c.PHI.MinScore > 1 {
		errs = append(errs, "phi.min_score must be between 0 and 1")
	}
	return errs
}

func (c *Config) validateSuggest() []string {
	switch c.Suggest.Provider {
	case "anthropic":
		if c.Anthropic.Key == "" {
			return []string{"anthropic.key is required"}
		}
	case "openai":
		if c.OpenAI.Key == "" {
			return []string{"openai.key is required"}
		}
	default:
		return []string{fmt.Sprintf("suggest.provider must be anthropic or openai, got %q", c.Suggest.Provider)}
	}
	return nil
}

func (c *Config) validateDispatch() []string {
	var errs []string
	d := c.Dispatch
	switch d.Backend {
	case "local":
		if d.Workers < 1 || d.Workers > 64 {
			errs = append(errs, "dispatch.workers must be between 1 and 64")
		}
	case "temporal":
		if c.Temporal.HostPort == "" {
			errs = append(errs, "temporal.host_port is required for the temporal backend")
		}
		if c.Temporal.TaskQueue == "" {
			errs = append(errs, "temporal.task_queue is required for the temporal backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("dispatch.backend must be local or temporal, got %q", d.Backend))
	}
	if d.HardBudgetSecs <= 0 {
		errs = append(errs, "dispatch.hard_budget_secs must be > 0")
	}
	if d.SoftBudgetSecs < 0 || d.SoftBudgetSecs > d.HardBudgetSecs {
		errs = append(errs, "dispatch.soft_budget_secs must be between 0 and hard_budget_secs")
	}
	if d.MaxRetries < 0 {
		errs = append(errs, "dispatch.max_retries must be >= 0")
	}
	if d.StaleMargin < 1 {
		errs = append(errs, "dispatch.stale_margin must be >= 1")
	}
	return errs
}
