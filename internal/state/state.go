// Package state owns the durable record of a cloudforge run: the task,
// current phase, sub-task cursor, token totals, history, and the bits the
// scheduler needs to resume or repair a run across process restarts.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	cferrors "github.com/cloudforge/cloudforge/internal/errors"
)

// StateFileName is the JSON file persisted inside the artifact directory.
const StateFileName = "state.json"

// maxLastErrors bounds the ring buffer of recent error messages.
const maxLastErrors = 5

// HistoryEntry records the outcome of a single scheduler iteration.
type HistoryEntry struct {
	Iteration   int    `json:"iteration"`
	Phase       string `json:"phase"`
	Result      string `json:"result"`
	Summary     string `json:"summary"`
	TotalTokens int    `json:"total_tokens"`
}

// State is the durable record of a run, persisted as state.json inside the
// artifact directory.
type State struct {
	RunID   string `json:"run_id"`
	Session string `json:"session_id,omitempty"`

	Task string `json:"task"`

	CurrentPhase string `json:"current_phase"`

	CurrentSubTask int `json:"current_sub_task"`
	TotalSubTasks  int `json:"total_sub_tasks"`

	Iteration       int `json:"iteration"`
	IterationCap    int `json:"iteration_cap"`
	MaxPhaseRetries int `json:"max_phase_retries"`

	Model string `json:"model,omitempty"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	History         []HistoryEntry `json:"history"`
	CompletedPhases []string       `json:"completed_phases"`

	ConsecutiveRetries int      `json:"consecutive_retries"`
	LastErrors         []string `json:"last_errors"`

	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}

// CreateOptions configures a freshly-created State.
type CreateOptions struct {
	FirstPhase      string
	IterationCap    int
	MaxPhaseRetries int
	Model           string
}

// Create builds a fresh State for a new run on the given task.
func Create(task string, opts CreateOptions) *State {
	now := time.Now()
	return &State{
		RunID:           uuid.NewString(),
		Task:            task,
		CurrentPhase:    opts.FirstPhase,
		IterationCap:    opts.IterationCap,
		MaxPhaseRetries: opts.MaxPhaseRetries,
		Model:           opts.Model,
		History:         []HistoryEntry{},
		CompletedPhases: []string{},
		LastErrors:      []string{},
		StartedAt:       now,
		LastActivity:    now,
	}
}

// path returns the path to the state file within dir.
func path(dir string) string {
	return filepath.Join(dir, StateFileName)
}

// Save serializes s as pretty-printed JSON and writes it atomically into
// dir, refreshing LastActivity first. The directory is created if absent.
func Save(dir string, s *State) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return cferrors.NewStateError("failed to create artifact directory", err).WithArtifactDir(dir)
	}

	s.LastActivity = time.Now()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return cferrors.NewStateError("failed to marshal state", err).WithArtifactDir(dir)
	}

	if err := atomicWriteFile(path(dir), data, 0644); err != nil {
		return cferrors.NewStateError("failed to write state file", err).WithArtifactDir(dir)
	}
	return nil
}

// Load reads and parses the state file in dir. Returns nil, nil if the file
// does not exist.
func Load(dir string) (*State, error) {
	data, err := os.ReadFile(path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cferrors.NewStateError("failed to read state file", err).WithArtifactDir(dir)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, cferrors.NewStateError("failed to parse state file", cferrors.ErrStateCorrupted).WithArtifactDir(dir)
	}
	if s.Task == "" {
		return nil, cferrors.NewStateError("state file missing task", cferrors.ErrStateCorrupted).WithArtifactDir(dir)
	}

	return &s, nil
}

// RecordIteration appends a history entry and accumulates token deltas. A
// nil status result records "UNKNOWN"; nil token counts count as zero.
func RecordIteration(s *State, phase, result, summary string, inputTokens, outputTokens int) {
	if result == "" {
		result = "UNKNOWN"
	}
	s.Iteration++
	total := inputTokens + outputTokens
	s.History = append(s.History, HistoryEntry{
		Iteration:   s.Iteration,
		Phase:       phase,
		Result:      result,
		Summary:     summary,
		TotalTokens: total,
	})
	s.InputTokens += inputTokens
	s.OutputTokens += outputTokens
}

// TrackRetry updates the consecutive-retry counter based on whether the
// most recent history entry needed a retry, and appends errMsg to the
// bounded LastErrors ring when non-empty.
func TrackRetry(s *State, errMsg string) {
	if len(s.History) > 0 && s.History[len(s.History)-1].Result == "NEEDS_RETRY" {
		s.ConsecutiveRetries++
	} else {
		s.ConsecutiveRetries = 0
	}

	if errMsg == "" {
		return
	}
	s.LastErrors = append(s.LastErrors, errMsg)
	if len(s.LastErrors) > maxLastErrors {
		s.LastErrors = s.LastErrors[len(s.LastErrors)-maxLastErrors:]
	}
}

// MarkPhaseCompleted adds phase to CompletedPhases (first-insertion order,
// no duplicates) and resets ConsecutiveRetries.
func MarkPhaseCompleted(s *State, phase string) {
	for _, p := range s.CompletedPhases {
		if p == phase {
			s.ConsecutiveRetries = 0
			return
		}
	}
	s.CompletedPhases = append(s.CompletedPhases, phase)
	s.ConsecutiveRetries = 0
}

// ResetPhaseTransition clears per-phase retry noise when the scheduler
// moves to a different phase: ConsecutiveRetries and LastErrors are zeroed.
func ResetPhaseTransition(s *State) {
	s.ConsecutiveRetries = 0
	s.LastErrors = nil
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmpFile, err := os.CreateTemp(dir, ".tmp-state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
