package logging

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LogEntry is one decoded line from a run's debug log, with the fixed
// attributes (run_id, iteration, phase) promoted to fields and everything
// else kept in Attrs.
type LogEntry struct {
	Timestamp time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	RunID     string         `json:"run_id,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// LogFilter narrows a set of LogEntry down by AND-ing every non-zero field.
type LogFilter struct {
	// Level keeps entries at or above this severity. Empty means no filter.
	Level string
	// StartTime keeps entries at or after this instant. Zero means no filter.
	StartTime time.Time
	// EndTime keeps entries at or before this instant. Zero means no filter.
	EndTime time.Time
	// Iteration keeps entries from this iteration only. Zero means no filter.
	Iteration int
	// Phase keeps entries from this phase only. Empty means no filter.
	Phase string
	// RunID keeps entries from this run only. Empty means no filter.
	RunID string
	// MessageContains keeps entries whose message contains this substring.
	MessageContains string
}

var levelOrder = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// AggregateLogs reconstructs the full timeline for an artifact directory:
// every rotated-out segment (debug.log.N and debug.log.N.gz, oldest first)
// followed by the live debug.log. A run that rotated mid-flight, or that
// was resumed and rotated its predecessor's leftovers on reopen, still
// reads back as one ordered history rather than just whatever is currently
// live.
func AggregateLogs(artifactDir string) ([]LogEntry, error) {
	segments, err := orderedSegments(artifactDir)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("no log segments found in %s", artifactDir)
	}

	var entries []LogEntry
	for _, seg := range segments {
		segEntries, err := readSegment(seg)
		if err != nil {
			return nil, fmt.Errorf("read segment %s: %w", seg, err)
		}
		entries = append(entries, segEntries...)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	return entries, nil
}

// orderedSegments lists an artifact directory's log segments oldest first,
// ending with the live debug.log if it exists.
func orderedSegments(artifactDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(artifactDir, "debug.log.*"))
	if err != nil {
		return nil, fmt.Errorf("glob rotated segments: %w", err)
	}

	type backup struct {
		n    int
		path string
	}
	var backups []backup
	for _, m := range matches {
		rest := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "debug.log."), ".gz")
		n, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		backups = append(backups, backup{n: n, path: m})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].n > backups[j].n })

	segments := make([]string, 0, len(backups)+1)
	for _, b := range backups {
		segments = append(segments, b.path)
	}

	live := filepath.Join(artifactDir, "debug.log")
	if _, err := os.Stat(live); err == nil {
		segments = append(segments, live)
	}

	return segments, nil
}

// readSegment parses every line of a segment, transparently gunzipping it
// when its name ends in .gz. Malformed lines are skipped so a truncated or
// mid-write segment still yields whatever is readable.
func readSegment(path string) ([]LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	const maxLineSize = 1024 * 1024
	scanner.Buffer(make([]byte, maxLineSize), maxLineSize)

	var entries []LogEntry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := parseLogEntry(line)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

var standardLogFields = map[string]bool{
	"time": true, "level": true, "msg": true,
	"run_id": true, "iteration": true, "phase": true,
}

func parseLogEntry(line string) (LogEntry, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return LogEntry{}, fmt.Errorf("invalid JSON: %w", err)
	}

	entry := LogEntry{Attrs: make(map[string]any)}

	if s, ok := raw["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			entry.Timestamp = t
		}
	}
	if s, ok := raw["level"].(string); ok {
		entry.Level = s
	}
	if s, ok := raw["msg"].(string); ok {
		entry.Message = s
	}
	if s, ok := raw["run_id"].(string); ok {
		entry.RunID = s
	}
	if n, ok := raw["iteration"].(float64); ok {
		entry.Iteration = int(n)
	}
	if s, ok := raw["phase"].(string); ok {
		entry.Phase = s
	}

	for k, v := range raw {
		if !standardLogFields[k] {
			entry.Attrs[k] = v
		}
	}

	return entry, nil
}

// FilterLogs keeps entries matching every non-zero field of filter.
func FilterLogs(entries []LogEntry, filter LogFilter) []LogEntry {
	if isEmptyFilter(filter) {
		return entries
	}

	var kept []LogEntry
	for _, entry := range entries {
		if matchesFilter(entry, filter) {
			kept = append(kept, entry)
		}
	}
	return kept
}

func isEmptyFilter(f LogFilter) bool {
	return f.Level == "" && f.StartTime.IsZero() && f.EndTime.IsZero() &&
		f.Iteration == 0 && f.Phase == "" && f.RunID == "" && f.MessageContains == ""
}

func matchesFilter(entry LogEntry, filter LogFilter) bool {
	if filter.Level != "" {
		want, wantOk := levelOrder[strings.ToUpper(filter.Level)]
		got, gotOk := levelOrder[entry.Level]
		if wantOk && gotOk && got < want {
			return false
		}
	}
	if !filter.StartTime.IsZero() && entry.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && entry.Timestamp.After(filter.EndTime) {
		return false
	}
	if filter.Iteration != 0 && entry.Iteration != filter.Iteration {
		return false
	}
	if filter.Phase != "" && entry.Phase != filter.Phase {
		return false
	}
	if filter.RunID != "" && entry.RunID != filter.RunID {
		return false
	}
	if filter.MessageContains != "" && !strings.Contains(entry.Message, filter.MessageContains) {
		return false
	}
	return true
}

// ExportLogs aggregates an artifact directory's full log history and writes
// it to outputPath in the given format ("json", "text", or "csv").
func ExportLogs(artifactDir, outputPath, format string) error {
	entries, err := AggregateLogs(artifactDir)
	if err != nil {
		return fmt.Errorf("aggregate logs: %w", err)
	}
	return ExportLogEntries(entries, outputPath, format)
}

// ExportLogEntries writes an already-aggregated (and possibly filtered) set
// of entries to outputPath in the given format.
func ExportLogEntries(entries []LogEntry, outputPath, format string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	switch strings.ToLower(format) {
	case "json":
		return exportJSON(file, entries)
	case "text":
		return exportText(file, entries)
	case "csv":
		return exportCSV(file, entries)
	default:
		return fmt.Errorf("unsupported export format %q (want json, text, or csv)", format)
	}
}

func exportJSON(w io.Writer, entries []LogEntry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func exportText(w io.Writer, entries []LogEntry) error {
	for _, entry := range entries {
		parts := []string{
			fmt.Sprintf("[%s]", entry.Timestamp.Format("2006-01-02 15:04:05.000")),
			entry.Level, "-", entry.Message,
		}

		var ctx []string
		if entry.RunID != "" {
			ctx = append(ctx, fmt.Sprintf("run=%s", entry.RunID))
		}
		if entry.Iteration != 0 {
			ctx = append(ctx, fmt.Sprintf("iteration=%d", entry.Iteration))
		}
		if entry.Phase != "" {
			ctx = append(ctx, fmt.Sprintf("phase=%s", entry.Phase))
		}
		if len(ctx) > 0 {
			parts = append(parts, fmt.Sprintf("(%s)", strings.Join(ctx, ", ")))
		}

		if len(entry.Attrs) > 0 {
			attrsJSON, _ := json.Marshal(entry.Attrs)
			parts = append(parts, string(attrsJSON))
		}

		if _, err := fmt.Fprintln(w, strings.Join(parts, " ")); err != nil {
			return fmt.Errorf("write text entry: %w", err)
		}
	}
	return nil
}

func exportCSV(w io.Writer, entries []LogEntry) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{"timestamp", "level", "message", "run_id", "iteration", "phase", "attrs"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write CSV header: %w", err)
	}

	for _, entry := range entries {
		attrsJSON := ""
		if len(entry.Attrs) > 0 {
			if b, err := json.Marshal(entry.Attrs); err == nil {
				attrsJSON = string(b)
			}
		}

		record := []string{
			entry.Timestamp.Format(time.RFC3339Nano),
			entry.Level,
			entry.Message,
			entry.RunID,
			strconv.Itoa(entry.Iteration),
			entry.Phase,
			attrsJSON,
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write CSV record: %w", err)
		}
	}
	return nil
}
