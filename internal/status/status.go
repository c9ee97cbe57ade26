// Package status extracts the structured status block a child agent may
// emit in its free-form output, so the scheduler can decide whether a phase
// is done, needs retry, or is blocked without depending on exit codes alone.
package status

import (
	"bufio"
	"strconv"
	"strings"
)

// Result is the outcome a child reported for the current phase.
type Result string

const (
	ResultDone    Result = "DONE"
	ResultRetry   Result = "NEEDS_RETRY"
	ResultBlocked Result = "BLOCKED"
)

// Sentinel introduces the structured status block in child output.
const Sentinel = "CLOUDFORGE_STATUS:"

// Status is the parsed structured report for one iteration.
type Status struct {
	Phase          string
	Result         Result
	TasksRemaining *int
	Summary        string
}

// Synthesize builds a Status for when no sentinel block was found in the
// child's output, distinguishing a crash from a clean exit with no status.
func Synthesize(phase string, crashed bool) *Status {
	summary := "completed without status block"
	if crashed {
		summary = "crashed without status"
	}
	return &Status{
		Phase:   phase,
		Result:  ResultRetry,
		Summary: summary,
	}
}

// Parse scans output for a CLOUDFORGE_STATUS: block and returns the parsed
// Status, or nil if no sentinel line is present.
func Parse(output string) *Status {
	scanner := bufio.NewScanner(strings.NewReader(output))
	inBlock := false
	var st *Status

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if !inBlock {
			if trimmed == Sentinel {
				inBlock = true
				st = &Status{Result: ResultDone}
			}
			continue
		}

		if trimmed == "" {
			break
		}
		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			// A non-indented line ends the block.
			break
		}

		key, value, ok := splitKV(trimmed)
		if !ok {
			continue
		}

		switch strings.ToLower(key) {
		case "phase":
			st.Phase = value
		case "result":
			st.Result = Result(strings.ToUpper(value))
		case "tasks_remaining", "tasksremaining":
			if n, err := strconv.Atoi(value); err == nil {
				st.TasksRemaining = &n
			}
		case "summary":
			st.Summary = value
		}
	}

	return st
}

func splitKV(line string) (key, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}
