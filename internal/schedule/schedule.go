// Package schedule runs reconciliation on a cron schedule through Temporal.
// A workflow wraps one pipeline run in an activity so that runs survive
// worker restarts and are retried when they abort.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/internal/source"
)

// Registered names.
const (
	WorkflowName = "ReconcileWorkflow"
	ActivityName = "ReconcileActivity"
)

// Application error types returned by the activity.
const (
	ErrTypeRunAborted    = "RunAborted"
	ErrTypeUnknownSource = "UnknownSource"
)

// RunInput selects what a scheduled run reconciles. Empty Sources means
// every configured source.
type RunInput struct {
	Sources []string      `json:"sources,omitempty"`
	Limit   int           `json:"limit,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// RunResult is the summary a workflow returns.
type RunResult struct {
	RunID       string `json:"run_id"`
	Writes      int    `json:"writes"`
	NewEntities int    `json:"new_entities"`
	Issues      int    `json:"issues"`
	Aborted     bool   `json:"aborted"`
}

// Runner executes one pipeline run.
type Runner interface {
	RunSources(ctx context.Context, sources []source.Config) *model.RunReport
}

// Activities are the Temporal activities backed by a pipeline.
type Activities struct {
	runner  Runner
	sources []source.Config
}

// NewActivities creates activities that run sources through runner.
func NewActivities(runner Runner, sources []source.Config) *Activities {
	return &Activities{runner: runner, sources: sources}
}

// Select returns the configured sources named by ids, with the pilot limit
// applied. Empty ids selects everything.
func Select(all []source.Config, ids []string, limit int) ([]source.Config, error) {
	var out []source.Config
	for _, sc := range all {
		if len(ids) == 0 || slices.Contains(ids, sc.ID) {
			if limit > 0 {
				sc.Limit = limit
			}
			out = append(out, sc)
		}
	}
	for _, id := range ids {
		if !slices.ContainsFunc(out, func(sc source.Config) bool { return sc.ID == id }) {
			return nil, eris.Errorf("schedule: unknown source %q", id)
		}
	}
	return out, nil
}

// Reconcile runs the pipeline once. An aborted run fails the activity so
// Temporal retries it.
func (a *Activities) Reconcile(ctx context.Context, in RunInput) (RunResult, error) {
	sources, err := Select(a.sources, in.Sources, in.Limit)
	if err != nil {
		return RunResult{}, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeUnknownSource, err)
	}

	info := activity.GetInfo(ctx)
	log := zap.L().With(
		zap.String("workflow_id", info.WorkflowExecution.ID),
		zap.Int32("attempt", info.Attempt),
	)
	log.Info("schedule: reconcile started", zap.Int("sources", len(sources)))

	report := a.runner.RunSources(ctx, sources)
	res := RunResult{
		RunID:       report.RunID,
		Writes:      report.Writes,
		NewEntities: report.NewEntities,
		Issues:      len(report.Issues),
		Aborted:     report.Aborted,
	}
	if report.Aborted {
		log.Warn("schedule: run aborted", zap.String("run_id", report.RunID), zap.String("reason", report.AbortReason))
		return res, temporal.NewApplicationError(report.AbortReason, ErrTypeRunAborted, res)
	}
	log.Info("schedule: reconcile finished",
		zap.String("run_id", report.RunID),
		zap.Int("writes", res.Writes),
		zap.Int("issues", res.Issues),
	)
	return res, nil
}

// defaultRunTimeout bounds one activity attempt when the input sets none.
const defaultRunTimeout = 2 * time.Hour

// ReconcileWorkflow executes one reconciliation activity.
func ReconcileWorkflow(ctx workflow.Context, in RunInput) (RunResult, error) {
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Minute,
			BackoffCoefficient:     2,
			MaximumInterval:        30 * time.Minute,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrTypeUnknownSource},
		},
	})

	var res RunResult
	err := workflow.ExecuteActivity(ctx, ActivityName, in).Get(ctx, &res)
	if err != nil {
		workflow.GetLogger(ctx).Error("reconcile failed", "error", err)
		return res, err
	}
	return res, nil
}

// NewWorker registers the workflow and activities on taskQueue.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(ReconcileWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions(acts.Reconcile, activity.RegisterOptions{Name: ActivityName})
	return w
}

// Options configure the cron schedule.
type Options struct {
	ScheduleID string
	TaskQueue  string
	Cron       string
	Input      RunInput
}

func (o Options) action() *client.ScheduleWorkflowAction {
	return &client.ScheduleWorkflowAction{
		ID:        fmt.Sprintf("%s-run", o.ScheduleID),
		Workflow:  WorkflowName,
		TaskQueue: o.TaskQueue,
		Args:      []any{o.Input},
	}
}

// Register creates the schedule, or updates its spec and action when it
// already exists.
func Register(ctx context.Context, sc client.ScheduleClient, o Options) error {
	if o.Cron == "" {
		return eris.New("schedule: cron expression is required")
	}
	spec := client.ScheduleSpec{CronExpressions: []string{o.Cron}}

	_, err := sc.Create(ctx, client.ScheduleOptions{
		ID:     o.ScheduleID,
		Spec:   spec,
		Action: o.action(),
	})
	if err == nil {
		zap.L().Info("schedule: created", zap.String("schedule_id", o.ScheduleID), zap.String("cron", o.Cron))
		return nil
	}
	if !errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
		return eris.Wrapf(err, "schedule: create %s", o.ScheduleID)
	}

	h := sc.GetHandle(ctx, o.ScheduleID)
	err = h.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			s := in.Description.Schedule
			s.Spec = &spec
			s.Action = o.action()
			return &client.ScheduleUpdate{Schedule: &s}, nil
		},
	})
	if err != nil {
		return eris.Wrapf(err, "schedule: update %s", o.ScheduleID)
	}
	zap.L().Info("schedule: updated", zap.String("schedule_id", o.ScheduleID), zap.String("cron", o.Cron))
	return nil
}
