package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewArtifactLogWriterCreatesFileAndParentDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "run", "debug.log")

	w, err := NewArtifactLogWriter(path, DefaultRotationConfig())
	require.NoError(t, err)
	defer w.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
	assert.Equal(t, path, w.Path())
}

func TestNewArtifactLogWriterAppendsToFileLeftFromACrashWithoutRotating(t *testing.T) {
	// A crash that left an empty debug.log (created but never written to)
	// is not "prior content" and should not trigger a rotation on reopen.
	dir := t.TempDir()
	path := filepath.Join(dir, "debug.log")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	w, err := NewArtifactLogWriter(path, DefaultRotationConfig())
	require.NoError(t, err)
	defer w.Close()

	_, err = os.Stat(path + ".1")
	assert.True(t, os.IsNotExist(err))
}

func TestNewArtifactLogWriterRotatesPriorRunsContentOnOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "debug.log")
	require.NoError(t, os.WriteFile(path, []byte("leftover from a previous invocation\n"), 0644))

	w, err := NewArtifactLogWriter(path, DefaultRotationConfig())
	require.NoError(t, err)
	defer w.Close()

	backup, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Contains(t, string(backup), "leftover from a previous invocation")
	assert.Equal(t, int64(0), w.Size())
}

func TestArtifactLogWriterWriteTracksSize(t *testing.T) {
	dir := t.TempDir()
	w, err := NewArtifactLogWriter(filepath.Join(dir, "debug.log"), DefaultRotationConfig())
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, int64(0), w.Size())

	msg := []byte("a line of output\n")
	n, err := w.Write(msg)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)
	assert.Equal(t, int64(len(msg)), w.Size())
}

func TestArtifactLogWriterRotatesOnceMaxSizeIsExceeded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "debug.log")

	w, err := NewArtifactLogWriter(path, RotationConfig{MaxBackups: 3})
	require.NoError(t, err)
	w.maxSizeB = 100

	for range 5 {
		_, _ = w.Write([]byte("this line pushes the segment closer to its size limit\n"))
	}
	require.NoError(t, w.Close())

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestArtifactLogWriterPrunesBeyondMaxBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "debug.log")

	w, err := NewArtifactLogWriter(path, RotationConfig{MaxBackups: 2})
	require.NoError(t, err)
	w.maxSizeB = 50

	for range 10 {
		_, _ = w.Write([]byte("enough bytes in this line to cross the rotation threshold\n"))
	}
	require.NoError(t, w.Close())

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".2")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestArtifactLogWriterDisablesRotationWhenMaxSizeIsZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "debug.log")

	w, err := NewArtifactLogWriter(path, RotationConfig{MaxSizeMB: 0, MaxBackups: 3})
	require.NoError(t, err)

	for range 100 {
		_, _ = w.Write([]byte("this would trigger rotation if a size limit were configured\n"))
	}
	require.NoError(t, w.Close())

	_, err = os.Stat(path + ".1")
	assert.True(t, os.IsNotExist(err))
}

func TestArtifactLogWriterCompressesRotatedSegments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "debug.log")

	w, err := NewArtifactLogWriter(path, RotationConfig{MaxBackups: 3, Compress: true})
	require.NoError(t, err)
	w.maxSizeB = 50

	for range 2 {
		_, _ = w.Write([]byte("message that is long enough to cross the low threshold\n"))
	}
	require.NoError(t, w.Close())

	gzPath := path + ".1.gz"
	require.Eventually(t, func() bool {
		_, err := os.Stat(gzPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "compressed segment never appeared")

	f, err := os.Open(gzPath)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	content, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.NotEmpty(t, content)

	_, err = os.Stat(path + ".1")
	assert.True(t, os.IsNotExist(err), "uncompressed backup should be removed once gzipped")
}

func TestArtifactLogWriterConcurrentWritesPreserveEveryLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "debug.log")

	w, err := NewArtifactLogWriter(path, RotationConfig{MaxBackups: 100})
	require.NoError(t, err)
	w.maxSizeB = 2000

	const goroutines, perGoroutine = 10, 50
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				_, err := w.Write([]byte("concurrent write\n"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, w.Close())

	total := 0
	for i := 0; i <= 100; i++ {
		p := path
		if i > 0 {
			p = fmt.Sprintf("%s.%d", path, i)
		}
		content, err := os.ReadFile(p)
		if err == nil {
			total += countLines(content)
		}
	}
	assert.Equal(t, goroutines*perGoroutine, total)
}

func countLines(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}

func TestArtifactLogWriterCloseIsIdempotentAndWriteAfterCloseFails(t *testing.T) {
	dir := t.TempDir()
	w, err := NewArtifactLogWriter(filepath.Join(dir, "debug.log"), DefaultRotationConfig())
	require.NoError(t, err)

	_, err = w.Write([]byte("line\n"))
	require.NoError(t, err)

	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())

	_, err = w.Write([]byte("too late\n"))
	assert.Error(t, err)
}

func TestArtifactLogWriterSyncFlushesToDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "debug.log")
	w, err := NewArtifactLogWriter(path, DefaultRotationConfig())
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("flushed line\n"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "flushed line")
}

func TestDefaultRotationConfigMatchesConfigDefaults(t *testing.T) {
	cfg := DefaultRotationConfig()
	assert.Equal(t, 10, cfg.MaxSizeMB)
	assert.Equal(t, 3, cfg.MaxBackups)
	assert.False(t, cfg.Compress)
}

func TestNewLoggerWithRotationRotatesOnSizeAndSharesWriterAcrossChildren(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLoggerWithRotation(dir, LevelDebug, RotationConfig{MaxBackups: 3})
	require.NoError(t, err)

	logger.writer.maxSizeB = 200
	for i := range 10 {
		logger.Info("message long enough to push past the low rotation threshold", "iteration", i)
	}
	require.NoError(t, logger.Close())

	_, err = os.Stat(filepath.Join(dir, "debug.log.1"))
	assert.NoError(t, err)
}

func TestNewLoggerWithRotationChildrenShareWriter(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLoggerWithRotation(dir, LevelDebug, DefaultRotationConfig())
	require.NoError(t, err)
	defer logger.Close()

	child := logger.WithRunID("run-123").WithIteration(456)
	assert.Same(t, logger.writer, child.writer)
}
