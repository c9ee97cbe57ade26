package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudforge/cloudforge/internal/events"
	"github.com/cloudforge/cloudforge/internal/prompt"
	"github.com/cloudforge/cloudforge/internal/runner"
	"github.com/cloudforge/cloudforge/internal/state"
	"github.com/cloudforge/cloudforge/internal/testutil"
	"github.com/cloudforge/cloudforge/internal/workflow"
)

const testWorkflow = `
*IMPLEMENT -> VERIFY [done]
IMPLEMENT -> IMPLEMENT [retry]
IMPLEMENT -> DISCOVER [retry_exhausted]
DISCOVER -> IMPLEMENT [done]
VERIFY -> END [done]
VERIFY -> IMPLEMENT [retry]
`

func mustParseWorkflow(t *testing.T) *workflow.Definition {
	t.Helper()
	def, err := workflow.Parse(testWorkflow)
	require.NoError(t, err)
	return def
}

func newTestState(t *testing.T, phase string) *state.State {
	t.Helper()
	return state.Create("do the thing", state.CreateOptions{
		FirstPhase:      phase,
		IterationCap:    25,
		MaxPhaseRetries: 3,
	})
}

// scriptedRunFunc returns results from a fixed queue, one per call, so tests
// can script the exact sequence of child outcomes a scenario needs without
// spawning a real process.
func scriptedRunFunc(results []runner.Result) RunFunc {
	i := 0
	return func(ctx context.Context, opts runner.Options, bus *events.Bus, phase string) runner.Result {
		if i >= len(results) {
			return runner.Result{Success: true, Stdout: doneStatus(phase)}
		}
		r := results[i]
		i++
		return r
	}
}

func doneStatus(phase string) string {
	return testutil.StatusBlock(phase, "DONE", "ok")
}

func retryStatus(phase, summary string) string {
	return testutil.StatusBlock(phase, "NEEDS_RETRY", summary)
}

func newScheduler(t *testing.T, def *workflow.Definition, st *state.State, runFn RunFunc) *Scheduler {
	t.Helper()
	dir := t.TempDir()
	return New(Deps{
		Def:              def,
		PromptBuilder:    prompt.NewFileBuilder(filepath.Join(dir, "templates")),
		Bus:              events.NewBus(),
		ArtifactDir:      dir,
		WorkingDir:       dir,
		CLIPath:          "fake-cli",
		Model:            "fake-model",
		MaxTurns:         10,
		MaxRateLimitWait: time.Second,
		RunChild:         runFn,
	}, st, nil)
}

func TestRunHappyPathSingleSubtask(t *testing.T) {
	def := mustParseWorkflow(t)
	st := newTestState(t, "IMPLEMENT")
	results := []runner.Result{
		{Success: true, Stdout: doneStatus("IMPLEMENT")},
		{Success: true, Stdout: doneStatus("VERIFY")},
	}
	sched := newScheduler(t, def, st, scriptedRunFunc(results))

	var completed bool
	sched.bus.SubscribeAll(func(e events.Event) {
		if _, ok := e.(events.CompleteEvent); ok {
			completed = true
		}
	})

	err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, 2, sched.State().Iteration)
	assert.Contains(t, sched.State().CompletedPhases, "IMPLEMENT")
	assert.Contains(t, sched.State().CompletedPhases, "VERIFY")
}

func TestRunRetryThenSucceed(t *testing.T) {
	def := mustParseWorkflow(t)
	st := newTestState(t, "IMPLEMENT")
	results := []runner.Result{
		{Success: true, Stdout: retryStatus("IMPLEMENT", "needs another pass")},
		{Success: true, Stdout: doneStatus("IMPLEMENT")},
		{Success: true, Stdout: doneStatus("VERIFY")},
	}
	sched := newScheduler(t, def, st, scriptedRunFunc(results))

	err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sched.State().ConsecutiveRetries)
	assert.Equal(t, 3, sched.State().Iteration)
}

func TestRunCircuitBreakerOnConsecutiveRetries(t *testing.T) {
	def := mustParseWorkflow(t)
	st := newTestState(t, "IMPLEMENT")
	st.MaxPhaseRetries = 100 // keep retry_exhausted from firing first
	results := []runner.Result{
		{Success: true, Stdout: retryStatus("IMPLEMENT", "same error")},
		{Success: true, Stdout: retryStatus("IMPLEMENT", "same error")},
		{Success: true, Stdout: retryStatus("IMPLEMENT", "same error")},
	}
	sched := newScheduler(t, def, st, scriptedRunFunc(results))

	var haltReason string
	sched.bus.SubscribeAll(func(e events.Event) {
		if he, ok := e.(events.HaltEvent); ok {
			haltReason = he.Reason
		}
	})

	err := sched.Run(context.Background())
	require.Error(t, err)
	assert.NotEmpty(t, haltReason)
	assert.GreaterOrEqual(t, sched.State().ConsecutiveRetries, 3)
}

func TestRunRetryExhaustedTransitionsToRecoveryPhase(t *testing.T) {
	def := mustParseWorkflow(t)
	st := newTestState(t, "IMPLEMENT")
	st.MaxPhaseRetries = 2
	results := []runner.Result{
		{Success: true, Stdout: retryStatus("IMPLEMENT", "err a")},
		{Success: true, Stdout: retryStatus("IMPLEMENT", "err b")},
		{Success: true, Stdout: doneStatus("DISCOVER")},
		{Success: true, Stdout: doneStatus("IMPLEMENT")},
		{Success: true, Stdout: doneStatus("VERIFY")},
	}
	sched := newScheduler(t, def, st, scriptedRunFunc(results))

	err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, sched.State().CompletedPhases, "DISCOVER")
}

func TestRunHaltsWhenChildCrashesWithoutOutput(t *testing.T) {
	def := mustParseWorkflow(t)
	st := newTestState(t, "IMPLEMENT")
	results := []runner.Result{
		{Success: false, ExitCode: 1, Stdout: "", Stderr: "segfault"},
	}
	sched := newScheduler(t, def, st, scriptedRunFunc(results))

	err := sched.Run(context.Background())
	require.Error(t, err)
}

func TestRunWarnsAndSynthesizesRetryWhenStatusBlockMissing(t *testing.T) {
	def := mustParseWorkflow(t)
	st := newTestState(t, "IMPLEMENT")
	results := []runner.Result{
		{Success: true, Stdout: "no sentinel block here, just prose"},
		{Success: true, Stdout: doneStatus("IMPLEMENT")},
		{Success: true, Stdout: doneStatus("VERIFY")},
	}
	sched := newScheduler(t, def, st, scriptedRunFunc(results))

	var warned bool
	sched.bus.SubscribeAll(func(e events.Event) {
		if we, ok := e.(events.WarnEvent); ok {
			warned = true
			assert.Equal(t, "IMPLEMENT", we.Phase)
		}
	})

	err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, warned)
}

func TestRunSeedsTotalSubTasksFromPlanArtifact(t *testing.T) {
	def, err := workflow.Parse(`
*IMPLEMENT -> VERIFY [done]
IMPLEMENT -> IMPLEMENT [retry]
IMPLEMENT -> IMPLEMENT [done_next_subtask]
PLAN -> IMPLEMENT [done]
VERIFY -> END [done]
`)
	require.NoError(t, err)

	st := newTestState(t, "PLAN")
	sched := newScheduler(t, def, st, nil)
	sched.runChild = scriptedRunFunc([]runner.Result{
		{Success: true, Stdout: doneStatus("PLAN")},
		{Success: true, Stdout: doneStatus("IMPLEMENT")},
		{Success: true, Stdout: doneStatus("IMPLEMENT")},
		{Success: true, Stdout: doneStatus("VERIFY")},
	})

	planContent := "# Plan\n\n## Sub-task 1\n\n## Sub-task 2\n\n## Sub-task 3\n"
	require.NoError(t, os.WriteFile(filepath.Join(sched.artifactDir, "plan.md"), []byte(planContent), 0644))

	err = sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalSubTasks)
}

func TestNextPhaseDoneAdvancesToDoneTarget(t *testing.T) {
	def := mustParseWorkflow(t)
	next := nextPhase(def, "IMPLEMENT", "DONE", 0, 3, 1, 1)
	assert.Equal(t, "VERIFY", next)
}

func TestNextPhasePrefersDoneNextSubtaskWhileSubtasksRemain(t *testing.T) {
	def, err := workflow.Parse(`
*IMPLEMENT -> VERIFY [done]
IMPLEMENT -> PLAN [done_next_subtask]
PLAN -> IMPLEMENT [done]
VERIFY -> END [done]
`)
	require.NoError(t, err)
	next := nextPhase(def, "IMPLEMENT", "DONE", 0, 3, 1, 3)
	assert.Equal(t, "PLAN", next)
}

func TestNextPhaseRetryExhaustedWinsAtCap(t *testing.T) {
	def := mustParseWorkflow(t)
	next := nextPhase(def, "IMPLEMENT", "NEEDS_RETRY", 3, 3, 1, 1)
	assert.Equal(t, "DISCOVER", next)
}

func TestNextPhaseRetryStaysInPlaceBelowCap(t *testing.T) {
	def := mustParseWorkflow(t)
	next := nextPhase(def, "IMPLEMENT", "NEEDS_RETRY", 1, 3, 1, 1)
	assert.Equal(t, "IMPLEMENT", next)
}

func TestNextPhaseUnknownPhaseTerminates(t *testing.T) {
	def := mustParseWorkflow(t)
	next := nextPhase(def, "NOT_A_PHASE", "DONE", 0, 3, 0, 0)
	assert.Equal(t, "", next)
}

func TestRequestShutdownPersistsWithoutRunningNextIteration(t *testing.T) {
	def := mustParseWorkflow(t)
	st := newTestState(t, "IMPLEMENT")
	calls := 0
	runFn := func(ctx context.Context, opts runner.Options, bus *events.Bus, phase string) runner.Result {
		calls++
		return runner.Result{Success: true, Stdout: doneStatus(phase)}
	}
	sched := newScheduler(t, def, st, runFn)
	sched.shuttingDown.Store(true)

	err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, calls)
}
