// Package workflow parses the `.dot`-like text grammar that describes a
// cloudforge run's phases, task-loop phase, and labeled transitions, and
// exposes the resulting definition to the scheduler.
package workflow

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	cferrors "github.com/cloudforge/cloudforge/internal/errors"
)

// Label is one of the four condition labels a transition can be keyed by.
type Label string

const (
	LabelDone            Label = "done"
	LabelRetry           Label = "retry"
	LabelRetryExhausted  Label = "retry_exhausted"
	LabelDoneNextSubtask Label = "done_next_subtask"
)

// End is the reserved target name that terminates the workflow.
const End = "END"

var validLabels = map[Label]bool{
	LabelDone:            true,
	LabelRetry:           true,
	LabelRetryExhausted:  true,
	LabelDoneNextSubtask: true,
}

// lineRe matches a single significant line of the workflow grammar:
// ^(\*?)(NAME)\s*->\s*(NAME|END)\s*\[(LABEL)\]$
var lineRe = regexp.MustCompile(`^(\*?)(\w+)\s*->\s*(\w+)\s*\[(\w+)\]$`)

// Phase is a single node in the workflow graph: a name, whether it is the
// task-loop phase, and its outgoing transitions keyed by condition label.
// A transition target of "" means the workflow terminates on that label.
type Phase struct {
	Name        string
	TaskLoop    bool
	Transitions map[Label]string
}

// Definition is an immutable, parsed workflow: phases in first-appearance
// order plus a lookup by name.
type Definition struct {
	order  []string
	phases map[string]*Phase
}

// Parse reads workflow text and returns a Definition. Comments (from '#' to
// end of line) and blank lines are ignored; non-matching lines are skipped
// silently, per the grammar's tolerance for stray text. A file yielding zero
// phases is rejected.
func Parse(text string) (*Definition, error) {
	def := &Definition{phases: make(map[string]*Phase)}

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		m := lineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		star, source, target, label := m[1], m[2], m[3], Label(strings.ToLower(m[4]))
		if !validLabels[label] {
			continue
		}

		srcPhase := def.getOrCreate(source)
		if star == "*" {
			srcPhase.TaskLoop = true
		}

		if target == End {
			srcPhase.Transitions[label] = ""
		} else {
			def.getOrCreate(target)
			srcPhase.Transitions[label] = target
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, cferrors.NewWorkflowError("failed to read workflow definition", err)
	}

	if len(def.order) == 0 {
		return nil, cferrors.NewWorkflowError("workflow definition has zero phases", cferrors.ErrWorkflowInvalid)
	}

	return def, nil
}

func (d *Definition) getOrCreate(name string) *Phase {
	if p, ok := d.phases[name]; ok {
		return p
	}
	p := &Phase{Name: name, Transitions: make(map[Label]string)}
	d.phases[name] = p
	d.order = append(d.order, name)
	return p
}

// FirstPhase returns the name of the phase discovered first in source order,
// which is the workflow's entry point.
func (d *Definition) FirstPhase() string {
	if len(d.order) == 0 {
		return ""
	}
	return d.order[0]
}

// OrderedPhaseNames returns all phase names in first-appearance order.
func (d *Definition) OrderedPhaseNames() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// IsTaskLoopPhase reports whether name is marked as the task-loop phase.
func (d *Definition) IsTaskLoopPhase(name string) bool {
	p, ok := d.phases[name]
	return ok && p.TaskLoop
}

// FirstTaskLoopPhase returns the name of the first taskLoop-marked phase in
// source order, or "" if none is marked.
func (d *Definition) FirstTaskLoopPhase() string {
	for _, name := range d.order {
		if d.phases[name].TaskLoop {
			return name
		}
	}
	return ""
}

// PhaseConfig returns the Phase configuration for name, or nil if undefined.
func (d *Definition) PhaseConfig(name string) *Phase {
	return d.phases[name]
}

// Next resolves the transition target for (phase, label). ok is false if
// the phase or label has no configured transition.
func (d *Definition) Next(phase string, label Label) (target string, ok bool) {
	p, exists := d.phases[phase]
	if !exists {
		return "", false
	}
	target, ok = p.Transitions[label]
	return target, ok
}

// Validate checks that every transition target refers to a defined phase
// (the terminal sentinel is represented internally as "" and always valid).
func (d *Definition) Validate() error {
	for _, name := range d.order {
		p := d.phases[name]
		for label, target := range p.Transitions {
			if target == "" {
				continue
			}
			if _, ok := d.phases[target]; !ok {
				return cferrors.NewWorkflowError(
					fmt.Sprintf("phase %q transition %q targets undefined phase %q", name, label, target),
					cferrors.ErrWorkflowInvalid,
				).WithPhase(name)
			}
		}
	}
	return nil
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*Definition{}
)

// LoadWorkflow parses the workflow file at path, caching the result so
// repeated calls within a run avoid re-reading disk.
func LoadWorkflow(path string, read func(string) (string, error)) (*Definition, error) {
	cacheMu.Lock()
	if d, ok := cache[path]; ok {
		cacheMu.Unlock()
		return d, nil
	}
	cacheMu.Unlock()

	text, err := read(path)
	if err != nil {
		return nil, cferrors.NewWorkflowError(fmt.Sprintf("failed to read workflow file %q", path), err)
	}

	def, err := Parse(text)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	cacheMu.Lock()
	cache[path] = def
	cacheMu.Unlock()

	return def, nil
}

// ClearCache discards all cached workflow definitions.
func ClearCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache = map[string]*Definition{}
}

// describePhase is the YAML-friendly shape of a single phase, used only by
// Describe.
type describePhase struct {
	Name        string            `yaml:"name"`
	TaskLoop    bool              `yaml:"task_loop,omitempty"`
	Transitions map[string]string `yaml:"transitions"`
}

// Describe renders d for inspection in the given format ("yaml" or "text").
// It is a debugging aid only; it does not affect parsing or scheduling.
func (d *Definition) Describe(format string) (string, error) {
	switch format {
	case "", "text":
		return d.describeText(), nil
	case "yaml":
		return d.describeYAML()
	default:
		return "", cferrors.NewValidationError(fmt.Sprintf("unknown describe format %q", format)).WithField("format")
	}
}

func (d *Definition) describeText() string {
	var b strings.Builder
	for _, name := range d.order {
		p := d.phases[name]
		if p.TaskLoop {
			fmt.Fprintf(&b, "%s (task loop)\n", name)
		} else {
			fmt.Fprintf(&b, "%s\n", name)
		}
		for _, label := range []Label{LabelDone, LabelDoneNextSubtask, LabelRetry, LabelRetryExhausted} {
			target, ok := p.Transitions[label]
			if !ok {
				continue
			}
			if target == "" {
				target = End
			}
			fmt.Fprintf(&b, "  %s -> %s [%s]\n", name, target, label)
		}
	}
	return b.String()
}

func (d *Definition) describeYAML() (string, error) {
	phases := make([]describePhase, 0, len(d.order))
	for _, name := range d.order {
		p := d.phases[name]
		transitions := make(map[string]string, len(p.Transitions))
		for label, target := range p.Transitions {
			if target == "" {
				target = End
			}
			transitions[string(label)] = target
		}
		phases = append(phases, describePhase{Name: name, TaskLoop: p.TaskLoop, Transitions: transitions})
	}

	data, err := yaml.Marshal(phases)
	if err != nil {
		return "", cferrors.NewWorkflowError("failed to render workflow as yaml", err)
	}
	return string(data), nil
}
