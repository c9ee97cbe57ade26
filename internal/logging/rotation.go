package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// RotationConfig bounds how large debug.log may grow before it rotates and
// how many rotated segments are kept alongside it.
type RotationConfig struct {
	// MaxSizeMB is the size, in megabytes, at which the live segment
	// rotates. Zero disables size-triggered rotation.
	MaxSizeMB int
	// MaxBackups is how many rotated segments to retain. Zero still keeps
	// the most recently rotated segment.
	MaxBackups int
	// Compress gzips a segment once it has been rotated out.
	Compress bool
}

// DefaultRotationConfig mirrors the logging defaults in internal/config.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{MaxSizeMB: 10, MaxBackups: 3, Compress: false}
}

// ArtifactLogWriter is the io.Writer behind a run's debug.log. Beyond the
// usual size-triggered rotation, it rotates once immediately on open if
// the file already holds lines from an earlier invocation against the
// same artifact directory (a resumed or re-run task) so that a later
// export can tell one run's tail apart from another's.
type ArtifactLogWriter struct {
	mu sync.Mutex

	path       string
	maxSizeB   int64
	maxBackups int
	compress   bool

	file *os.File
	size int64
}

// NewArtifactLogWriter opens path for appending, creating its parent
// directory as needed.
func NewArtifactLogWriter(path string, cfg RotationConfig) (*ArtifactLogWriter, error) {
	w := &ArtifactLogWriter{
		path:       path,
		maxSizeB:   int64(cfg.MaxSizeMB) * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
		compress:   cfg.Compress,
	}

	hadPriorContent, err := nonEmptyFile(path)
	if err != nil {
		return nil, err
	}

	if err := w.open(); err != nil {
		return nil, err
	}

	if hadPriorContent {
		if err := w.rotate(); err != nil {
			return nil, fmt.Errorf("rotate previous run's segment: %w", err)
		}
	}

	return w, nil
}

func nonEmptyFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat debug log: %w", err)
	}
	return info.Size() > 0, nil
}

// open creates the parent directory if missing and opens (or creates)
// the live segment for appending. The caller must hold mu.
func (w *ArtifactLogWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open debug log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat debug log: %w", err)
	}

	w.file = f
	w.size = info.Size()
	return nil
}

// Write implements io.Writer, rotating first when p would push the live
// segment past maxSizeB.
func (w *ArtifactLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, fmt.Errorf("debug log is closed")
	}

	if w.maxSizeB > 0 && w.size+int64(len(p)) > w.maxSizeB {
		if err := w.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: debug log rotation failed: %v\n", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// rotate closes the live segment, shifts existing backups up a slot
// (dropping anything past maxBackups), renames the live segment into
// slot 1, and opens a fresh one. The caller must hold mu.
func (w *ArtifactLogWriter) rotate() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync before rotation: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close before rotation: %w", err)
	}
	w.file = nil

	w.pruneOldestBackup()
	w.shiftBackups()

	target := w.backupPath(1)
	if err := os.Rename(w.path, target); err != nil {
		if reopenErr := w.open(); reopenErr != nil {
			return fmt.Errorf("rename segment to %s (%v), reopen failed: %w", target, err, reopenErr)
		}
		return fmt.Errorf("rename segment to %s: %w", target, err)
	}

	if w.compress {
		go w.compressSegment(target)
	}

	return w.open()
}

// pruneOldestBackup removes whatever currently occupies the slot that
// shiftBackups is about to push past maxBackups.
func (w *ArtifactLogWriter) pruneOldestBackup() {
	if w.maxBackups <= 0 {
		p := w.backupPath(1)
		os.Remove(p)
		os.Remove(p + ".gz")
		return
	}
	oldest := w.backupPath(w.maxBackups)
	os.Remove(oldest)
	os.Remove(oldest + ".gz")
}

// shiftBackups renames segment.N to segment.N+1 for every existing
// backup, oldest first, leaving slot 1 free for the segment about to
// rotate out.
func (w *ArtifactLogWriter) shiftBackups() {
	for n := w.maxBackups - 1; n >= 1; n-- {
		from, to := w.backupPath(n), w.backupPath(n+1)
		switch {
		case fileExists(from + ".gz"):
			os.Rename(from+".gz", to+".gz")
		case fileExists(from):
			os.Rename(from, to)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (w *ArtifactLogWriter) backupPath(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}

// compressSegment gzips a rotated-out segment and removes the plain copy.
// It runs off the write path (see rotate), so failures are reported to
// stderr rather than returned; the uncompressed backup survives a failed
// compression attempt.
func (w *ArtifactLogWriter) compressSegment(path string) {
	src, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: open segment for compression %s: %v\n", path, err)
		return
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: create compressed segment %s: %v\n", path+".gz", err)
		return
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		os.Remove(path + ".gz")
		fmt.Fprintf(os.Stderr, "warning: compress segment %s: %v\n", path, err)
		return
	}
	if err := gz.Close(); err != nil {
		os.Remove(path + ".gz")
		fmt.Fprintf(os.Stderr, "warning: finalize compressed segment %s: %v\n", path, err)
		return
	}

	os.Remove(path)
}

// Sync flushes buffered writes on the live segment to disk.
func (w *ArtifactLogWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Close syncs and closes the live segment.
func (w *ArtifactLogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync debug log: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close debug log: %w", err)
	}
	w.file = nil
	return nil
}

// Size returns the live segment's current size in bytes.
func (w *ArtifactLogWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Path returns the live segment's path.
func (w *ArtifactLogWriter) Path() string {
	return w.path
}

// File exposes the live segment's *os.File.
func (w *ArtifactLogWriter) File() *os.File {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file
}
