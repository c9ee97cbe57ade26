// Package runner spawns the child agent process, concurrently consumes its
// stdout and stderr streams, translates newline-delimited JSON events into
// semantic emissions, and returns a summary result once the child exits.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/cloudforge/cloudforge/internal/events"
)

// Options configures a single child invocation.
type Options struct {
	CLIPath    string
	Prompt     string
	Model      string
	SessionID  string
	MaxTurns   int
	WorkingDir string
	Verbose    bool

	// OnProcess is called with the spawned *exec.Cmd once Start succeeds,
	// so the caller can track it for SIGTERM delivery on shutdown.
	OnProcess func(*exec.Cmd)
}

// Result summarizes a finished (or failed-to-start) child invocation.
type Result struct {
	Success      bool
	ExitCode     int
	Stdout       string
	Stderr       string
	FinalResult  string
	SessionID    string
	InputTokens  int
	OutputTokens int
}

// Run spawns the child per the invocation contract, consumes its streams,
// and returns a Result. Run never returns an error to the caller for a
// child that fails to execute correctly; spawn failure is represented as a
// Result with Success=false, ExitCode=-1, and the error in Stderr.
func Run(ctx context.Context, opts Options, bus *events.Bus, phase string) Result {
	args := buildArgs(opts)
	cmd := exec.CommandContext(ctx, opts.CLIPath, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = os.Environ()

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return spawnFailure(err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return spawnFailure(err)
	}

	if err := cmd.Start(); err != nil {
		return spawnFailure(err)
	}
	if opts.OnProcess != nil {
		opts.OnProcess(cmd)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	var stdoutBuf, stderrBuf strings.Builder
	result := Result{SessionID: opts.SessionID}
	var resultMu sync.Mutex

	go func() {
		defer wg.Done()
		consumeStdout(stdoutPipe, phase, bus, &stdoutBuf, &result, &resultMu)
	}()
	go func() {
		defer wg.Done()
		consumeStderr(stderrPipe, &stderrBuf)
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	resultMu.Lock()
	defer resultMu.Unlock()

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.ExitCode = exitCodeOf(cmd, waitErr)
	result.Success = waitErr == nil

	return result
}

func spawnFailure(err error) Result {
	return Result{Success: false, ExitCode: -1, Stderr: err.Error()}
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

// buildArgs constructs the child's argv per the invocation contract: the
// executable path, -p, --output-format stream-json, --verbose,
// --dangerously-skip-permissions, --max-turns N, optionally --model and
// --resume, and finally the prompt as the last positional argument.
func buildArgs(opts Options) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
		"--max-turns", fmt.Sprintf("%d", opts.MaxTurns),
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	args = append(args, opts.Prompt)
	return args
}

func consumeStderr(r io.Reader, buf *strings.Builder) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		buf.WriteString(scanner.Text())
		buf.WriteByte('\n')
	}
}

func consumeStdout(r io.Reader, phase string, bus *events.Bus, buf *strings.Builder, result *Result, mu *sync.Mutex) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')

		var evt streamEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			publish(bus, events.NewTextEvent(phase, line))
			continue
		}
		handleEvent(evt, phase, bus, result, mu)
	}
}

func publish(bus *events.Bus, e events.Event) {
	if bus != nil {
		bus.Publish(e)
	}
}
