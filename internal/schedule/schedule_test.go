package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap"

	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/internal/source"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]source.Config
	report model.RunReport
}

func (f *fakeRunner) RunSources(_ context.Context, sources []source.Config) *model.RunReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sources)
	r := f.report
	return &r
}

var configured = []source.Config{
	{ID: "birac", Type: model.SourceRegistry, Authoritative: true},
	{ID: "news", Type: model.SourceNews},
	{ID: "sites", Type: model.SourceWebsite},
}

func TestSelect(t *testing.T) {
	all, err := Select(configured, nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	some, err := Select(configured, []string{"sites", "birac"}, 5)
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "birac", some[0].ID)
	assert.Equal(t, 5, some[0].Limit)
	assert.Zero(t, configured[0].Limit)

	_, err = Select(configured, []string{"mca"}, 0)
	assert.ErrorContains(t, err, `unknown source "mca"`)
}

func TestReconcileWorkflow(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	runner := &fakeRunner{report: model.RunReport{
		RunID:       "run-1",
		Writes:      3,
		NewEntities: 2,
		Issues:      []model.Issue{{Kind: model.IssueExtractionAnomaly}},
	}}
	acts := NewActivities(runner, configured)
	env.RegisterActivityWithOptions(acts.Reconcile, activity.RegisterOptions{Name: ActivityName})

	env.ExecuteWorkflow(ReconcileWorkflow, RunInput{Sources: []string{"news"}, Limit: 10})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var res RunResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, RunResult{RunID: "run-1", Writes: 3, NewEntities: 2, Issues: 1}, res)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, []source.Config{{ID: "news", Type: model.SourceNews, Limit: 10}}, runner.calls[0])
}

func TestReconcileActivity_AbortedRunFails(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	runner := &fakeRunner{report: model.RunReport{RunID: "run-2", Aborted: true, AbortReason: "persist: storage outage"}}
	acts := NewActivities(runner, configured)
	env.RegisterActivityWithOptions(acts.Reconcile, activity.RegisterOptions{Name: ActivityName})

	_, err := env.ExecuteActivity(ActivityName, RunInput{})

	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, ErrTypeRunAborted, appErr.Type())
	assert.False(t, appErr.NonRetryable())
}

func TestReconcileActivity_UnknownSourceIsNotRetried(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	runner := &fakeRunner{}
	acts := NewActivities(runner, configured)
	env.RegisterActivityWithOptions(acts.Reconcile, activity.RegisterOptions{Name: ActivityName})

	_, err := env.ExecuteActivity(ActivityName, RunInput{Sources: []string{"mca"}})

	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, ErrTypeUnknownSource, appErr.Type())
	assert.True(t, appErr.NonRetryable())
	assert.Empty(t, runner.calls)
}

// fakeSchedules records schedule calls. Unused methods panic through the
// nil embedded interface.
type fakeSchedules struct {
	client.ScheduleClient
	createErr error
	created   []client.ScheduleOptions
	handle    *fakeHandle
}

func (f *fakeSchedules) Create(_ context.Context, o client.ScheduleOptions) (client.ScheduleHandle, error) {
	f.created = append(f.created, o)
	return nil, f.createErr
}

func (f *fakeSchedules) GetHandle(context.Context, string) client.ScheduleHandle {
	return f.handle
}

type fakeHandle struct {
	client.ScheduleHandle
	updated *client.ScheduleUpdate
}

func (h *fakeHandle) Update(_ context.Context, o client.ScheduleUpdateOptions) error {
	u, err := o.DoUpdate(client.ScheduleUpdateInput{})
	h.updated = u
	return err
}

func TestRegister_Creates(t *testing.T) {
	sc := &fakeSchedules{}

	err := Register(context.Background(), sc, Options{
		ScheduleID: "biotech-recon-nightly",
		TaskQueue:  "biotech-recon",
		Cron:       "0 2 * * *",
		Input:      RunInput{Limit: 50},
	})

	require.NoError(t, err)
	require.Len(t, sc.created, 1)
	o := sc.created[0]
	assert.Equal(t, "biotech-recon-nightly", o.ID)
	assert.Equal(t, []string{"0 2 * * *"}, o.Spec.CronExpressions)
	action, ok := o.Action.(*client.ScheduleWorkflowAction)
	require.True(t, ok)
	assert.Equal(t, WorkflowName, action.Workflow)
	assert.Equal(t, "biotech-recon", action.TaskQueue)
	assert.Equal(t, []any{RunInput{Limit: 50}}, action.Args)
}

func TestRegister_UpdatesExisting(t *testing.T) {
	sc := &fakeSchedules{createErr: temporal.ErrScheduleAlreadyRunning, handle: &fakeHandle{}}

	err := Register(context.Background(), sc, Options{ScheduleID: "nightly", TaskQueue: "q", Cron: "30 1 * * *"})

	require.NoError(t, err)
	require.NotNil(t, sc.handle.updated)
	assert.Equal(t, []string{"30 1 * * *"}, sc.handle.updated.Schedule.Spec.CronExpressions)
}

func TestRegister_RequiresCron(t *testing.T) {
	err := Register(context.Background(), &fakeSchedules{}, Options{ScheduleID: "x"})
	assert.ErrorContains(t, err, "cron expression is required")
}
