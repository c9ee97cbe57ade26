package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloudforge/cloudforge/internal/config"
	cferrors "github.com/cloudforge/cloudforge/internal/errors"
	"github.com/cloudforge/cloudforge/internal/events"
	"github.com/cloudforge/cloudforge/internal/logging"
	"github.com/cloudforge/cloudforge/internal/prompt"
	"github.com/cloudforge/cloudforge/internal/recovery"
	"github.com/cloudforge/cloudforge/internal/report"
	"github.com/cloudforge/cloudforge/internal/scheduler"
	"github.com/cloudforge/cloudforge/internal/state"
	"github.com/cloudforge/cloudforge/internal/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run the phase loop against a task, or resume one in progress",
	Long: `Run drives the child agent through the loaded workflow's phases.

Launch modes are resolved in order:
  1. --continue-session ID resumes a run by loading its state and
     repairing it before continuing.
  2. A positional task argument starts a fresh run.
  3. With no task but an existing .cloudforge/ directory, state.json is
     loaded and repaired, or reconstructed from artifacts if it is
     missing or corrupt.
  4. Neither is a usage error.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().Int("max-iterations", 0, "hard cap on scheduler iterations")
	runCmd.Flags().Int("max-phase-retries", 0, "retries of one phase before its retry_exhausted transition is taken")
	runCmd.Flags().String("model", "", "model passed to the child agent")
	runCmd.Flags().String("working-dir", "", "directory the child agent runs in")
	runCmd.Flags().Int("max-turns", 0, "max-turns passed to the child agent")
	runCmd.Flags().String("continue-session", "", "resume a run by child session id")
	runCmd.Flags().Bool("dry-run", false, "render the first phase's prompt and exit without spawning a child")
	runCmd.Flags().Int("rate-limit-wait", 0, "cap in seconds on each rate-limit or transient-failure wait")
	runCmd.Flags().String("cli-path", "", "path to the child agent executable")
	runCmd.Flags().BoolP("verbose", "v", false, "enable debug logging and detailed console output")

	_ = viper.BindPFlag("run.max_iterations", runCmd.Flags().Lookup("max-iterations"))
	_ = viper.BindPFlag("run.max_phase_retries", runCmd.Flags().Lookup("max-phase-retries"))
	_ = viper.BindPFlag("run.model", runCmd.Flags().Lookup("model"))
	_ = viper.BindPFlag("run.working_dir", runCmd.Flags().Lookup("working-dir"))
	_ = viper.BindPFlag("run.max_turns", runCmd.Flags().Lookup("max-turns"))
	_ = viper.BindPFlag("run.continue_session", runCmd.Flags().Lookup("continue-session"))
	_ = viper.BindPFlag("run.dry_run", runCmd.Flags().Lookup("dry-run"))
	_ = viper.BindPFlag("run.rate_limit_wait_seconds", runCmd.Flags().Lookup("rate-limit-wait"))
	_ = viper.BindPFlag("run.cli_path", runCmd.Flags().Lookup("cli-path"))
	_ = viper.BindPFlag("run.verbose", runCmd.Flags().Lookup("verbose"))

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return usageError(err)
	}

	var task string
	if len(args) == 1 {
		task = args[0]
	}

	artifactDir := cfg.ArtifactDir()

	st, err := resolveState(artifactDir, task, cfg)
	if err != nil {
		return usageError(err)
	}

	logger, err := logging.NewLoggerWithRotation(artifactDir, cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		logger = logging.NopLogger()
	}
	defer logger.Close()

	def, err := workflow.LoadWorkflow(cfg.WorkflowFile(), readFile)
	if err != nil {
		return haltError(err)
	}

	bus := events.NewBus()
	report.Subscribe(bus, report.NewConsole(os.Stdout))

	builder := prompt.NewFileBuilder(cfg.TemplatesDir())

	if cfg.Run.DryRun {
		firstPhase := st.CurrentPhase
		if firstPhase == "" {
			firstPhase = def.FirstPhase()
		}
		text, err := builder.Build(firstPhase, prompt.Context{
			Task:          st.Task,
			SubTaskNumber: st.CurrentSubTask,
			TotalSubTasks: st.TotalSubTasks,
			WorkingDir:    cfg.Run.WorkingDir,
			RetryCount:    st.ConsecutiveRetries,
			MaxRetries:    st.MaxPhaseRetries,
		})
		if err != nil {
			return haltError(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), text)
		return nil
	}

	lock, err := state.AcquireLock(artifactDir, st.RunID)
	if err != nil {
		return haltError(err)
	}

	sched := scheduler.New(scheduler.Deps{
		Def:              def,
		PromptBuilder:    builder,
		Bus:              bus,
		Logger:           logger,
		ArtifactDir:      artifactDir,
		WorkingDir:       cfg.Run.WorkingDir,
		CLIPath:          cfg.Run.CLIPath,
		Model:            cfg.Run.Model,
		MaxTurns:         cfg.Run.MaxTurns,
		Verbose:          cfg.Run.Verbose,
		MaxRateLimitWait: secondsToDuration(cfg.Run.RateLimitWaitSeconds),
	}, st, lock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		sched.RequestShutdown()
		cancel()
		<-sigChan
		os.Exit(1)
	}()

	if err := sched.Run(ctx); err != nil {
		return haltError(err)
	}
	return nil
}

// resolveState implements the launch-mode resolution order from the
// external interface: continue-session, fresh task, artifact-directory
// recovery, or a usage error when none apply.
func resolveState(artifactDir, task string, cfg *config.Config) (*state.State, error) {
	orderedPhases, err := orderedPhasesFromWorkflow(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Run.ContinueSession != "" {
		st := recovery.TryLoadState(artifactDir)
		if st == nil {
			return nil, cferrors.Wrap(cferrors.ErrNoTask, "cannot continue session: no resumable state found")
		}
		recovery.RepairState(st, orderedPhases)
		st.Session = cfg.Run.ContinueSession
		return st, nil
	}

	if task != "" {
		return state.Create(task, state.CreateOptions{
			FirstPhase:      firstPhase(orderedPhases),
			IterationCap:    cfg.Run.MaxIterations,
			MaxPhaseRetries: cfg.Run.MaxPhaseRetries,
			Model:           cfg.Run.Model,
		}), nil
	}

	if info, err := os.Stat(artifactDir); err == nil && info.IsDir() {
		if st := recovery.TryLoadState(artifactDir); st != nil {
			recovery.RepairState(st, orderedPhases)
			return st, nil
		}
		st := recovery.RecoverStateFromArtifacts(artifactDir, orderedPhases, recovery.Options{
			IterationCap:    cfg.Run.MaxIterations,
			MaxPhaseRetries: cfg.Run.MaxPhaseRetries,
			Model:           cfg.Run.Model,
		})
		if st == nil {
			return nil, cferrors.ErrNoTask
		}
		return st, nil
	}

	return nil, cferrors.ErrNoTask
}

func orderedPhasesFromWorkflow(cfg *config.Config) ([]string, error) {
	def, err := workflow.LoadWorkflow(cfg.WorkflowFile(), readFile)
	if err != nil {
		return nil, err
	}
	return def.OrderedPhaseNames(), nil
}

func firstPhase(orderedPhases []string) string {
	if len(orderedPhases) == 0 {
		return ""
	}
	return orderedPhases[0]
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func usageError(err error) error {
	fmt.Fprintln(os.Stderr, color.YellowString("usage: %v", err))
	return err
}

func haltError(err error) error {
	fmt.Fprintln(os.Stderr, color.RedString("halted: %v", err))
	return err
}
