// Package recovery reconstructs enough of a run's state from on-disk
// artifacts to resume it when state.json is missing or corrupt, and
// normalizes any loaded state before the scheduler trusts it.
package recovery

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cloudforge/cloudforge/internal/state"
)

// ArtifactDirName is the working-directory-relative folder cloudforge
// stores its state and phase outputs in.
const ArtifactDirName = ".cloudforge"

// artifactPhaseMap is the fixed mapping from artifact basename to the phase
// that produces it, used only as a recovery heuristic. It does not depend
// on the actual shape of the loaded workflow definition.
var artifactPhaseMap = []struct {
	basename string
	phase    string
}{
	{"requirements.md", "DISCOVER"},
	{"stories.md", "DEFINE"},
	{"domain.md", "DESIGN"},
	{"plan.md", "PLAN"},
	{"bdd-scenarios.md", "SPECIFY"},
	{"quality-report.md", "VERIFY"},
	{"innovation-log.md", "INNOVATE"},
}

// subTaskHeadingRe matches plan.md headings of the form "## Sub-task 3".
var subTaskHeadingRe = regexp.MustCompile(`(?m)^##\s+Sub-task\s+(\d+)`)

// taskFieldRe extracts the first "task": "..." field from corrupt JSON text,
// tolerating \" and \\ escapes within the value.
var taskFieldRe = regexp.MustCompile(`"task"\s*:\s*"((?:\\.|[^"\\])*)"`)

// HasArtifactDir reports whether dir/.cloudforge exists and is a directory.
func HasArtifactDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ArtifactDirName))
	return err == nil && info.IsDir()
}

// TryLoadState attempts to load and validate state.json from the artifact
// directory. It never returns an error; any failure (missing file, parse
// error, missing task) yields nil.
func TryLoadState(artifactDir string) *state.State {
	s, err := state.Load(artifactDir)
	if err != nil || s == nil {
		return nil
	}
	if strings.TrimSpace(s.Task) == "" {
		return nil
	}
	return s
}

// InferTaskFromArtifacts attempts to recover the original task description
// from whatever is on disk, in priority order: a corrupt state file's task
// field, requirements.md's heading, stories.md's heading, or the
// lexicographically first *.md file in prd/.
func InferTaskFromArtifacts(artifactDir string) string {
	if data, err := os.ReadFile(filepath.Join(artifactDir, state.StateFileName)); err == nil {
		if m := taskFieldRe.FindStringSubmatch(string(data)); m != nil {
			return unescapeJSONString(m[1])
		}
	}

	if heading := firstHeading(filepath.Join(artifactDir, "requirements.md")); heading != "" {
		return heading
	}
	if heading := firstHeading(filepath.Join(artifactDir, "stories.md")); heading != "" {
		return heading
	}

	prdDir := filepath.Join(artifactDir, "prd")
	entries, err := os.ReadDir(prdDir)
	if err == nil {
		var names []string
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
				names = append(names, e.Name())
			}
		}
		if len(names) > 0 {
			sort.Strings(names)
			if heading := firstHeading(filepath.Join(prdDir, names[0])); heading != "" {
				return heading
			}
		}
	}

	return ""
}

func unescapeJSONString(s string) string {
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

func firstHeading(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "#"))
		}
	}
	return ""
}

// InferredPhases is the result of scanning artifacts for phase completion.
type InferredPhases struct {
	Completed      []string
	LatestDetected string
}

// InferCompletedPhases scans the artifact→phase map against files present
// in artifactDir, plus a non-empty prd/ directory implying the workflow's
// first phase. latestIndex is the largest orderedPhases-index among
// detected phases; every phase strictly before it is "completed", and the
// phase at latestIndex is returned as LatestDetected (to be re-run, not
// skipped).
func InferCompletedPhases(artifactDir string, orderedPhases []string) InferredPhases {
	detected := map[string]bool{}

	for _, m := range artifactPhaseMap {
		if fileNonEmpty(filepath.Join(artifactDir, m.basename)) {
			detected[m.phase] = true
		}
	}

	if dirNonEmpty(filepath.Join(artifactDir, "prd")) && len(orderedPhases) > 0 {
		detected[orderedPhases[0]] = true
	}

	latestIndex := -1
	for i, name := range orderedPhases {
		if detected[name] {
			latestIndex = i
		}
	}
	if latestIndex < 0 {
		return InferredPhases{}
	}

	return InferredPhases{
		Completed:      append([]string{}, orderedPhases[:latestIndex]...),
		LatestDetected: orderedPhases[latestIndex],
	}
}

func fileNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}

func dirNonEmpty(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}

// InferResumePhase picks where to resume: at the latest-detected phase if
// one was found (it is re-run, not skipped); otherwise immediately after
// the highest-indexed completed phase, wrapping to the first phase if every
// phase is already completed; otherwise the first phase.
func InferResumePhase(completed []string, latestDetected string, orderedPhases []string) string {
	if latestDetected != "" {
		return latestDetected
	}
	if len(orderedPhases) == 0 {
		return ""
	}
	if len(completed) == 0 {
		return orderedPhases[0]
	}

	maxIndex := -1
	for _, c := range completed {
		for i, name := range orderedPhases {
			if name == c && i > maxIndex {
				maxIndex = i
			}
		}
	}
	if maxIndex < 0 || maxIndex+1 >= len(orderedPhases) {
		return orderedPhases[0]
	}
	return orderedPhases[maxIndex+1]
}

// Options configures RecoverStateFromArtifacts.
type Options struct {
	IterationCap    int
	MaxPhaseRetries int
	Model           string
}

// RecoverStateFromArtifacts composes task inference, completed-phase
// inference, and resume-phase inference into a fresh State seeded from
// whatever survives on disk. Returns nil if no task can be inferred.
func RecoverStateFromArtifacts(artifactDir string, orderedPhases []string, opts Options) *state.State {
	task := InferTaskFromArtifacts(artifactDir)
	if task == "" {
		return nil
	}

	inferred := InferCompletedPhases(artifactDir, orderedPhases)
	resumePhase := InferResumePhase(inferred.Completed, inferred.LatestDetected, orderedPhases)

	s := state.Create(task, state.CreateOptions{
		FirstPhase:      resumePhase,
		IterationCap:    opts.IterationCap,
		MaxPhaseRetries: opts.MaxPhaseRetries,
		Model:           opts.Model,
	})
	s.CompletedPhases = inferred.Completed

	if n := CountSubTaskHeadings(filepath.Join(artifactDir, "plan.md")); n > 0 {
		s.TotalSubTasks = n
	}

	return s
}

// CountSubTaskHeadings counts "## Sub-task N" headings in the file at path,
// returning 0 if the file is missing or unreadable.
func CountSubTaskHeadings(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return len(subTaskHeadingRe.FindAllStringIndex(string(data), -1))
}

// RepairState normalizes a loaded state before the scheduler trusts it:
// unknown/missing fields fall back to safe defaults, and retry state is
// always cleared since resuming is an explicit "try again".
func RepairState(s *state.State, orderedPhases []string) {
	validPhase := map[string]bool{}
	for _, p := range orderedPhases {
		validPhase[p] = true
	}

	if s.CurrentPhase == "" || !validPhase[s.CurrentPhase] {
		if len(orderedPhases) > 0 {
			s.CurrentPhase = orderedPhases[0]
		}
	}

	if s.Iteration < 0 {
		s.Iteration = 0
	}
	if s.IterationCap <= 0 {
		s.IterationCap = 25
	}
	if s.History == nil {
		s.History = []state.HistoryEntry{}
	}

	s.CompletedPhases = filterValidPhases(s.CompletedPhases, validPhase)

	if s.InputTokens < 0 {
		s.InputTokens = 0
	}
	if s.OutputTokens < 0 {
		s.OutputTokens = 0
	}
	if s.CurrentSubTask < 0 {
		s.CurrentSubTask = 0
	}
	if s.TotalSubTasks < 0 {
		s.TotalSubTasks = 0
	}
	if s.ConsecutiveRetries < 0 {
		s.ConsecutiveRetries = 0
	}

	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = time.Now()
	}

	s.ConsecutiveRetries = 0
	s.LastErrors = nil
}

func filterValidPhases(phases []string, valid map[string]bool) []string {
	out := make([]string, 0, len(phases))
	seen := map[string]bool{}
	for _, p := range phases {
		if valid[p] && !seen[p] {
			out = append(out, p)
			seen[p] = true
		}
	}
	return out
}
