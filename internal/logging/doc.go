// Package logging is the structured debug trail for a cloudforge run.
//
// Every run writes newline-delimited JSON to debug.log inside its artifact
// directory via log/slog. A [Logger] accumulates context (run ID,
// iteration, phase) through chainable With* calls so the scheduler can hand
// a phase-scoped logger down to a single iteration without threading raw
// attributes through every call. [AggregateLogs] and friends read that
// history back for post-hoc export, including across segments a run
// rotated out along the way.
//
// # Opening a logger
//
//	logger, err := logging.NewLogger(artifactDir, cfg.Logging.Level)
//	if err != nil {
//		return err
//	}
//	defer logger.Close()
//
//	logger.Info("run starting", "workflow", cfg.Workflow)
//
// An empty artifactDir (no artifact store configured) falls back to
// writing JSON lines on stderr rather than failing.
//
// # Carrying context through a run
//
// Derive scoped loggers as the run progresses through iterations and
// phases; each With* call returns a new [Logger] sharing the parent's
// writer:
//
//	runLog := logger.WithRunID(run.ID)
//	iterLog := runLog.WithIteration(iteration)
//	phaseLog := iterLog.WithPhase("IMPLEMENT")
//
//	phaseLog.Info("task completed", "task", "wire auth handler")
//
// produces:
//
//	{"time":"...","level":"INFO","msg":"task completed","run_id":"...","iteration":3,"phase":"IMPLEMENT","task":"wire auth handler"}
//
// # Rotation and resumed runs
//
// [NewLoggerWithRotation] bounds debug.log's growth and keeps a configured
// number of rotated-out backups (debug.log.1, debug.log.2, ...), optionally
// gzip-compressed. Because an artifact directory can be reopened across
// process invocations (--continue-session against a prior run's
// directory), [NewArtifactLogWriter] also rotates once on open if it finds
// a non-empty debug.log already there, so a resumed run's lines never get
// appended after an earlier invocation's tail in the same segment:
//
//	rotation := logging.RotationConfig{MaxSizeMB: 10, MaxBackups: 3, Compress: true}
//	logger, err := logging.NewLoggerWithRotation(artifactDir, cfg.Logging.Level, rotation)
//
// # Reading a run back
//
//	entries, err := logging.AggregateLogs(artifactDir)
//	if err != nil {
//		return err
//	}
//
//	filtered := logging.FilterLogs(entries, logging.LogFilter{
//		Level: logging.LevelWarn,
//		Phase: "VERIFY",
//	})
//
//	if err := logging.ExportLogEntries(filtered, "warnings.json", "json"); err != nil {
//		return err
//	}
//
// ExportLogEntries also accepts "text" and "csv".
//
// # Tests
//
// [NopLogger] discards everything without touching the filesystem.
package logging
