// Package scheduler drives the phase loop: it evaluates circuit breakers,
// builds prompts, invokes the child through the retry/rate-limit loop,
// parses status, and advances the workflow state until the run completes,
// halts, or is asked to shut down.
package scheduler

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cloudforge/cloudforge/internal/breaker"
	cferrors "github.com/cloudforge/cloudforge/internal/errors"
	"github.com/cloudforge/cloudforge/internal/events"
	"github.com/cloudforge/cloudforge/internal/logging"
	"github.com/cloudforge/cloudforge/internal/prompt"
	"github.com/cloudforge/cloudforge/internal/ratelimit"
	"github.com/cloudforge/cloudforge/internal/recovery"
	"github.com/cloudforge/cloudforge/internal/runner"
	"github.com/cloudforge/cloudforge/internal/state"
	"github.com/cloudforge/cloudforge/internal/status"
	"github.com/cloudforge/cloudforge/internal/workflow"
)

// PlanningPhase is the fixed phase name whose DONE output seeds TotalSubTasks
// from plan.md, matching the artifact→phase map's "plan.md" -> "PLAN" entry.
const PlanningPhase = "PLAN"

// maxRetryLoopAttempts bounds how many times one phase invocation may be
// attempted, the first attempt included, while it keeps failing for
// rate-limit or transient reasons before the run halts.
const maxRetryLoopAttempts = 5

// RunFunc spawns one child invocation. Its signature matches runner.Run so
// tests can substitute a fake without touching os/exec.
type RunFunc func(ctx context.Context, opts runner.Options, bus *events.Bus, phase string) runner.Result

// Deps wires a Scheduler's collaborators.
type Deps struct {
	Def              *workflow.Definition
	PromptBuilder    prompt.Builder
	Bus              *events.Bus
	Logger           *logging.Logger
	ArtifactDir      string
	WorkingDir       string
	CLIPath          string
	Model            string
	MaxTurns         int
	Verbose          bool
	MaxRateLimitWait time.Duration
	RunChild         RunFunc
}

// Scheduler owns the phase loop for a single run.
type Scheduler struct {
	def              *workflow.Definition
	promptBuilder    prompt.Builder
	bus              *events.Bus
	logger           *logging.Logger
	artifactDir      string
	workingDir       string
	cliPath          string
	model            string
	maxTurns         int
	verbose          bool
	maxRateLimitWait time.Duration
	runChild         RunFunc

	state *state.State
	lock  *state.Lock

	mu           sync.Mutex
	child        *exec.Cmd
	shuttingDown atomic.Bool
}

// New constructs a Scheduler for st, holding lock for the run's duration.
// lock may be nil in tests that do not exercise the filesystem lock.
func New(deps Deps, st *state.State, lock *state.Lock) *Scheduler {
	runChild := deps.RunChild
	if runChild == nil {
		runChild = runner.Run
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Scheduler{
		def:              deps.Def,
		promptBuilder:    deps.PromptBuilder,
		bus:              deps.Bus,
		logger:           logger.WithRunID(st.RunID),
		artifactDir:      deps.ArtifactDir,
		workingDir:       deps.WorkingDir,
		cliPath:          deps.CLIPath,
		model:            deps.Model,
		maxTurns:         deps.MaxTurns,
		verbose:          deps.Verbose,
		maxRateLimitWait: deps.MaxRateLimitWait,
		runChild:         runChild,
		state:            st,
		lock:             lock,
	}
}

// State returns the scheduler's current, possibly-in-progress state.
func (s *Scheduler) State() *state.State {
	return s.state
}

// RequestShutdown sets the shutting-down flag and forwards SIGTERM to the
// currently tracked child, if any. Safe to call from a signal handler.
func (s *Scheduler) RequestShutdown() {
	s.shuttingDown.Store(true)

	s.mu.Lock()
	child := s.child
	s.mu.Unlock()

	if child != nil && child.Process != nil {
		_ = child.Process.Signal(syscall.SIGTERM)
	}
}

func (s *Scheduler) trackChild(cmd *exec.Cmd) {
	s.mu.Lock()
	s.child = cmd
	s.mu.Unlock()
}

// Run drives the phase loop until the workflow terminates, a circuit
// breaker halts it, the rate-limit retry budget is exhausted, the child
// crashes, or a shutdown is requested. Returns nil on clean termination or
// graceful shutdown; returns an OrchestratorError on halt.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.lock != nil {
		defer s.lock.Release()
	}

	phase := s.state.CurrentPhase
	taskLoopEntry := s.def.FirstTaskLoopPhase()

	for {
		if s.shuttingDown.Load() {
			s.logger.Info("shutdown requested, persisting state", "phase", phase)
			return s.persist()
		}

		if verdict := breaker.Evaluate(s.state); verdict.Halt {
			s.logger.Warn("circuit breaker halted run", "reason", verdict.Reason, "phase", phase)
			_ = s.persist()
			s.publish(events.NewHaltEvent(verdict.Reason))
			return cferrors.NewRunnerError(verdict.Reason, cferrors.ErrCircuitBreaker).WithPhase(phase)
		}

		if phase == taskLoopEntry && s.state.ConsecutiveRetries == 0 {
			s.state.CurrentSubTask++
			if s.state.TotalSubTasks > 0 && s.state.CurrentSubTask > s.state.TotalSubTasks {
				s.state.CurrentSubTask = s.state.TotalSubTasks
			}
		}

		s.publish(events.NewPhaseStartedEvent(phase, s.state.Iteration, s.state.CurrentSubTask, s.state.TotalSubTasks))

		promptText, err := s.promptBuilder.Build(phase, prompt.Context{
			Task:          s.state.Task,
			SubTaskNumber: s.state.CurrentSubTask,
			TotalSubTasks: s.state.TotalSubTasks,
			WorkingDir:    s.workingDir,
			RetryCount:    s.state.ConsecutiveRetries,
			MaxRetries:    s.state.MaxPhaseRetries,
		})
		if err != nil {
			_ = s.persist()
			return err
		}

		result, sessionID, exhausted := s.invokeWithRetry(ctx, phase, promptText)
		s.state.Session = sessionID
		if exhausted {
			s.logger.Warn("rate limit wait exhausted", "phase", phase)
			_ = s.persist()
			s.publish(events.NewHaltEvent("rate limit wait exhausted"))
			return cferrors.NewRunnerError("rate limit wait exhausted", cferrors.ErrRateLimitWaitExhausted).WithPhase(phase)
		}

		if !result.Success && len(result.Stdout) == 0 {
			s.logger.Error("child crashed without output", "phase", phase, "exit_code", result.ExitCode)
			_ = s.persist()
			s.publish(events.NewHaltEvent("child crashed without output"))
			return cferrors.NewRunnerError("child crashed without output", cferrors.ErrChildCrashed).
				WithPhase(phase).WithExitCode(result.ExitCode)
		}

		st := status.Parse(result.Stdout)
		if st == nil {
			st = status.Synthesize(phase, !result.Success)
			s.logger.Warn("phase completed without status block", "phase", phase)
			s.publish(events.NewWarnEvent(phase, st.Summary))
		}
		if st.Phase == "" {
			st.Phase = phase
		}

		state.RecordIteration(s.state, phase, string(st.Result), st.Summary, result.InputTokens, result.OutputTokens)
		s.publish(events.NewTokenDeltaEvent(result.InputTokens, result.OutputTokens))

		if phase == PlanningPhase && st.Result == status.ResultDone {
			if n := recovery.CountSubTaskHeadings(filepath.Join(s.artifactDir, "plan.md")); n > 0 {
				s.state.TotalSubTasks = n
			}
			s.state.CurrentSubTask = 0
		}

		if st.Result == status.ResultRetry {
			state.TrackRetry(s.state, st.Summary)
		} else {
			s.state.ConsecutiveRetries = 0
			if st.Result == status.ResultDone {
				state.MarkPhaseCompleted(s.state, phase)
			}
		}

		if err := s.persist(); err != nil {
			return err
		}

		next := nextPhase(s.def, phase, st.Result, s.state.ConsecutiveRetries, s.state.MaxPhaseRetries, s.state.CurrentSubTask, s.state.TotalSubTasks)
		if next != phase {
			state.ResetPhaseTransition(s.state)
		}
		if next == "" {
			s.logger.Info("workflow complete", "iterations", s.state.Iteration)
			s.publish(events.NewCompleteEvent(fmt.Sprintf("workflow complete after %d iterations", s.state.Iteration)))
			return nil
		}

		phase = next
		s.state.CurrentPhase = phase
	}
}

func (s *Scheduler) persist() error {
	return state.Save(s.artifactDir, s.state)
}

func (s *Scheduler) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// invokeWithRetry runs the child, applying rate-limit/transient detection
// and counting down between attempts, up to maxRetryLoopAttempts. Returns
// the terminal result, the most recently observed session id, and whether
// the attempt budget was exhausted without a usable result.
func (s *Scheduler) invokeWithRetry(ctx context.Context, phase, promptText string) (runner.Result, string, bool) {
	sessionID := s.state.Session

	for attempt := 0; attempt < maxRetryLoopAttempts; attempt++ {
		opts := runner.Options{
			CLIPath:    s.cliPath,
			Prompt:     promptText,
			Model:      s.model,
			SessionID:  sessionID,
			MaxTurns:   s.maxTurns,
			WorkingDir: s.workingDir,
			Verbose:    s.verbose,
			OnProcess:  s.trackChild,
		}

		result := s.runChild(ctx, opts, s.bus, phase)
		if result.SessionID != "" {
			sessionID = result.SessionID
		}

		rl := ratelimit.DetectRateLimit(result.ExitCode, result.Stderr, result.Stdout)
		if rl.IsRateLimit {
			wait := ratelimit.ComputeRateLimitWait(attempt, rl.RetryAfterSeconds, s.maxRateLimitWait)
			s.countdown(ctx, phase, "rate limited", wait)
			continue
		}

		if tr := ratelimit.DetectTransient(result.ExitCode, result.Stderr, result.Stdout); tr != nil {
			wait := ratelimit.ComputeBackoff(attempt, s.maxRateLimitWait)
			s.countdown(ctx, phase, tr.Reason, wait)
			continue
		}

		return result, sessionID, false
	}

	return runner.Result{}, sessionID, true
}

func (s *Scheduler) countdown(ctx context.Context, phase, reason string, wait time.Duration) {
	ratelimit.Countdown(wait, ctx.Done(), func(remaining time.Duration) {
		s.publish(events.NewRetryWaitEvent(phase, reason, remaining))
	})
}

// nextPhase resolves the workflow transition for phase given the just-
// observed result, per the scheduler's state machine: DONE/BLOCKED prefer
// done_next_subtask while sub-tasks remain; NEEDS_RETRY prefers
// retry_exhausted once phaseRetryCount reaches the cap, else also advances
// sub-tasks if the phase is a task-loop phase, else retries in place. An
// undefined phase (should not occur once Validate has run) yields the
// terminal sentinel, same as a workflow that legitimately ends here.
func nextPhase(def *workflow.Definition, phase string, result status.Result, phaseRetryCount, maxPhaseRetries, currentSubTask, totalSubTasks int) string {
	p := def.PhaseConfig(phase)
	if p == nil {
		return ""
	}

	switch result {
	case status.ResultDone, status.ResultBlocked:
		return doneTarget(p, currentSubTask, totalSubTasks)
	case status.ResultRetry:
		if target, ok := p.Transitions[workflow.LabelRetryExhausted]; ok && phaseRetryCount >= maxPhaseRetries {
			return target
		}
		if _, ok := p.Transitions[workflow.LabelDoneNextSubtask]; ok {
			return doneTarget(p, currentSubTask, totalSubTasks)
		}
		return p.Transitions[workflow.LabelRetry]
	default:
		return p.Transitions[workflow.LabelRetry]
	}
}

func doneTarget(p *workflow.Phase, currentSubTask, totalSubTasks int) string {
	if target, ok := p.Transitions[workflow.LabelDoneNextSubtask]; ok && currentSubTask < totalSubTasks {
		return target
	}
	return p.Transitions[workflow.LabelDone]
}
