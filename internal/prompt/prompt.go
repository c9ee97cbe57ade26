// Package prompt renders the text sent to the child agent for a given
// phase. The actual prompt content is an external collaborator (workflow
// authors supply their own templates); this package only defines the
// interface the scheduler calls and a default file-backed implementation.
package prompt

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	cferrors "github.com/cloudforge/cloudforge/internal/errors"
)

// Context carries the per-iteration values a prompt template may reference.
type Context struct {
	Task          string
	SubTaskNumber int
	TotalSubTasks int
	WorkingDir    string
	RetryCount    int
	MaxRetries    int
}

// Builder renders the prompt text for a phase invocation.
type Builder interface {
	Build(phase string, ctx Context) (string, error)
}

// FileBuilder reads "<templatesDir>/<phase>.tmpl" and renders it with ctx.
// When no template file exists for a phase, it falls back to a minimal
// synthesized prompt so a workflow file alone is enough to drive a run.
type FileBuilder struct {
	TemplatesDir string
}

// NewFileBuilder returns a FileBuilder reading templates from templatesDir.
func NewFileBuilder(templatesDir string) *FileBuilder {
	return &FileBuilder{TemplatesDir: templatesDir}
}

// Build renders the template for phase, or a synthesized fallback prompt if
// no <phase>.tmpl file exists in TemplatesDir.
func (b *FileBuilder) Build(phase string, ctx Context) (string, error) {
	path := filepath.Join(b.TemplatesDir, phase+".tmpl")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fallbackPrompt(phase, ctx), nil
		}
		return "", cferrors.NewWorkflowError(fmt.Sprintf("failed to read prompt template %q", path), err).WithPhase(phase)
	}

	tmpl, err := template.New(phase).Parse(string(data))
	if err != nil {
		return "", cferrors.NewWorkflowError(fmt.Sprintf("failed to parse prompt template %q", path), err).WithPhase(phase)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", cferrors.NewWorkflowError(fmt.Sprintf("failed to render prompt template %q", path), err).WithPhase(phase)
	}

	return buf.String(), nil
}

func fallbackPrompt(phase string, ctx Context) string {
	if ctx.TotalSubTasks > 0 {
		return fmt.Sprintf(
			"Phase: %s\nTask: %s\nSub-task %d of %d.\nWorking directory: %s\nRetry %d of %d.\n\nContinue the work for this phase and report status via CLOUDFORGE_STATUS.",
			phase, ctx.Task, ctx.SubTaskNumber, ctx.TotalSubTasks, ctx.WorkingDir, ctx.RetryCount, ctx.MaxRetries,
		)
	}
	return fmt.Sprintf(
		"Phase: %s\nTask: %s\nWorking directory: %s\nRetry %d of %d.\n\nContinue the work for this phase and report status via CLOUDFORGE_STATUS.",
		phase, ctx.Task, ctx.WorkingDir, ctx.RetryCount, ctx.MaxRetries,
	)
}
