package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateDefaultConfigHasNoErrors(t *testing.T) {
	cfg := Default()
	cfg.Run.WorkingDir = "/tmp/project"
	errs := cfg.Validate()
	assert.Empty(t, errs)
}

func TestValidateRunRejectsNonPositiveBounds(t *testing.T) {
	cfg := Default()
	cfg.Run.WorkingDir = "/tmp/project"
	cfg.Run.MaxIterations = 0
	cfg.Run.MaxTurns = -1
	cfg.Run.RateLimitWaitSeconds = 0
	cfg.Run.MaxPhaseRetries = -1

	errs := cfg.Validate()
	assert.Len(t, errs, 4)
}

func TestValidateWorkflowRejectsEmptyPaths(t *testing.T) {
	cfg := Default()
	cfg.Workflow.File = "  "
	cfg.Workflow.TemplatesDir = ""

	errs := cfg.Validate()
	assert.Len(t, errs, 2)
}

func TestValidateLoggingRejectsUnknownLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "trace"

	errs := cfg.Validate()
	require := errs
	assert.Len(t, require, 1)
	assert.Equal(t, "logging.level", require[0].Field)
}

func TestValidateLoggingAcceptsCaseInsensitiveLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "DEBUG"

	errs := cfg.Validate()
	assert.Empty(t, errs)
}

func TestValidatePathsRejectsEmptyArtifactDirName(t *testing.T) {
	cfg := Default()
	cfg.Paths.ArtifactDirName = ""

	errs := cfg.Validate()
	assert.Len(t, errs, 1)
	assert.Equal(t, "paths.artifact_dir_name", errs[0].Field)
}

func TestValidationErrorsErrorFormatsSingleAndMultiple(t *testing.T) {
	single := ValidationErrors{{Field: "a", Value: 1, Message: "bad"}}
	assert.Contains(t, single.Error(), "a: bad")

	multi := ValidationErrors{
		{Field: "a", Value: 1, Message: "bad"},
		{Field: "b", Value: 2, Message: "worse"},
	}
	assert.Contains(t, multi.Error(), "2 validation errors")
}
