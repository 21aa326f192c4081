package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/chart-audit/internal/resilience"
)

// Registered names for the report workflow and its activity.
const (
	WorkflowName = "ProcessReportWorkflow"
	ActivityName = "ProcessReport"
)

// activityGrace is added to the hard budget so the processor's own timeout
// fires before Temporal's.
const activityGrace = 30 * time.Second

// WorkflowID is the Temporal workflow id for a report.
func WorkflowID(reportID string) string {
	return "report-" + reportID
}

// WorkflowInput is the report workflow's argument.
type WorkflowInput struct {
	ReportID string        `json:"report_id"`
	Timeout  time.Duration `json:"timeout"`
}

// ProcessReportWorkflow runs the report activity exactly once. Failed
// reports are retried only through the dispatcher.
func ProcessReportWorkflow(ctx workflow.Context, in WorkflowInput) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: in.Timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	return workflow.ExecuteActivity(ctx, ActivityName, in.ReportID).Get(ctx, nil)
}

// Activities binds a TaskFunc to the Temporal activity.
type Activities struct {
	Task TaskFunc
}

// ProcessReport is the activity body. The task runs detached from the
// activity's cancellation so a worker shutdown does not record the report
// as failed; the processor's hard budget still bounds it.
func (a *Activities) ProcessReport(ctx context.Context, reportID string) error {
	activity.GetLogger(ctx).Info("processing report", "report_id", reportID)
	return a.Task(context.WithoutCancel(ctx), reportID)
}

func workerOptions(concurrency int, hardBudget time.Duration) worker.Options {
	return worker.Options{
		MaxConcurrentActivityExecutionSize: concurrency,
		WorkerStopTimeout:                  hardBudget + activityGrace,
	}
}

// NewTemporalWorker registers the report workflow and activity on taskQueue.
// Stop waits up to hardBudget plus a grace period for running activities.
// The caller starts and stops the worker.
func NewTemporalWorker(c client.Client, taskQueue string, task TaskFunc, concurrency int, hardBudget time.Duration) worker.Worker {
	w := worker.New(c, taskQueue, workerOptions(concurrency, hardBudget))
	w.RegisterWorkflowWithOptions(ProcessReportWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions((&Activities{Task: task}).ProcessReport, activity.RegisterOptions{Name: ActivityName})
	return w
}

// TemporalConfig holds connection settings for DialTemporal.
type TemporalConfig struct {
	HostPort  string
	Namespace string
}

// DialTemporal connects to a Temporal frontend.
func DialTemporal(cfg TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    zapLogger{zap.L().Sugar()},
	})
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: dial temporal")
	}
	return c, nil
}

// TemporalRunner starts one workflow per report on a Temporal task queue.
type TemporalRunner struct {
	client    client.Client
	taskQueue string
	timeout   time.Duration
}

// NewTemporalRunner creates a TemporalRunner. hardBudget sizes the activity
// timeout.
func NewTemporalRunner(c client.Client, taskQueue string, hardBudget time.Duration) *TemporalRunner {
	return &TemporalRunner{client: c, taskQueue: taskQueue, timeout: hardBudget + activityGrace}
}

// Submit starts the report workflow. A running workflow for the same report
// makes this a no-op.
func (r *TemporalRunner) Submit(ctx context.Context, reportID string) (bool, error) {
	_, err := r.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                                       WorkflowID(reportID),
		TaskQueue:                                r.taskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, WorkflowName, WorkflowInput{ReportID: reportID, Timeout: r.timeout})

	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		return false, nil
	}
	if err != nil {
		return false, resilience.Transient(eris.Wrapf(err, "dispatch: start workflow for report %s", reportID))
	}
	return true, nil
}

// Status maps the workflow execution status.
func (r *TemporalRunner) Status(ctx context.Context, reportID string) (TaskState, error) {
	resp, err := r.client.DescribeWorkflowExecution(ctx, WorkflowID(reportID), "")
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return TaskNone, nil
	}
	if err != nil {
		return TaskNone, resilience.Transient(eris.Wrapf(err, "dispatch: describe workflow for report %s", reportID))
	}
	if resp.GetWorkflowExecutionInfo().GetStatus() == enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING {
		return TaskRunning, nil
	}
	return TaskDone, nil
}

// Close closes the Temporal client.
func (r *TemporalRunner) Close() error {
	r.client.Close()
	return nil
}

// zapLogger adapts zap to the Temporal SDK logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Debug(msg string, keyvals ...any) { l.s.Debugw(msg, keyvals...) }
func (l zapLogger) Info(msg string, keyvals ...any)  { l.s.Infow(msg, keyvals...) }
func (l zapLogger) Warn(msg string, keyvals ...any)  { l.s.Warnw(msg, keyvals...) }
func (l zapLogger) Error(msg string, keyvals ...any) { l.s.Errorw(msg, keyvals...) }
