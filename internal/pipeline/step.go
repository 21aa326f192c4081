package pipeline

import (
	"fmt"

	"github.com/sells-group/chart-audit/internal/resilience"
)

// StepError is a pipeline failure tagged with its kind and the checkpoint
// that was running.
type StepError struct {
	Kind resilience.Kind
	Step string
	Err  error
}

func (e *StepError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s failure at %s: %v", e.Kind, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepErr(step string, err error) *StepError {
	return &StepError{Kind: resilience.KindOf(err), Step: step, Err: err}
}
