package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"
)

// ConsoleSink publishes events as structured log lines, human-readably
// quoting the command the way the teacher's git_diff.go quotes shell
// arguments for display (al.essio.dev/pkg/shellescape).
type ConsoleSink struct {
	Log zerolog.Logger
}

func NewConsoleSink(log zerolog.Logger) ConsoleSink {
	return ConsoleSink{Log: log}
}

func (s ConsoleSink) Emit(_ context.Context, event Event) error {
	switch e := event.(type) {
	case Denied:
		s.Log.Warn().
			Str("sessionKey", e.SessionKey).
			Str("runId", e.RunID).
			Str("reason", string(e.Reason)).
			Str("command", quoteCommand(e.Command)).
			Msg("exec.denied")
	case Finished:
		ev := s.Log.Info()
		if !e.Success {
			ev = s.Log.Warn()
		}
		ev.Str("sessionKey", e.SessionKey).
			Str("runId", e.RunID).
			Int("exitCode", e.ExitCode).
			Bool("timedOut", e.TimedOut).
			Bool("success", e.Success).
			Str("cmdText", e.CmdText).
			Msg("exec.finished")
	default:
		return fmt.Errorf("events: console sink received unknown event %T", event)
	}
	return nil
}

func quoteCommand(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellescape.Quote(a)
	}
	return strings.Join(quoted, " ")
}

// FileSink appends every event as a JSON line to a daily-rotating file
// under dir, adapting logger.go's dailyRotatingLogWriter so event history
// survives process restarts without growing an unbounded single file.
type FileSink struct {
	mu          sync.Mutex
	dir         string
	prefix      string
	currentDate string
	file        *os.File
	maxFiles    int
}

// NewFileSink opens (creating if needed) a daily-rotating event log under
// dir. maxFiles caps how many days of history are retained; 0 disables
// cleanup.
func NewFileSink(dir, prefix string, maxFiles int) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("events: create sink dir: %w", err)
	}
	s := &FileSink{dir: dir, prefix: prefix, maxFiles: maxFiles}
	if err := s.rotateIfNeeded(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) Emit(_ context.Context, event Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateIfNeeded(); err != nil {
		return err
	}
	_, err = s.file.Write(line)
	return err
}

func (s *FileSink) rotateIfNeeded() error {
	today := time.Now().Format("2006-01-02")
	if s.currentDate == today && s.file != nil {
		return nil
	}

	if s.file != nil {
		s.file.Close()
	}

	name := fmt.Sprintf("%s%s.jsonl", s.prefix, today)
	file, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("events: open log file: %w", err)
	}

	s.file = file
	s.currentDate = today
	s.cleanupOldFiles()
	return nil
}

func (s *FileSink) cleanupOldFiles() {
	if s.maxFiles <= 0 {
		return
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, s.prefix) && strings.HasSuffix(name, ".jsonl") {
			files = append(files, name)
		}
	}
	if len(files) <= s.maxFiles {
		return
	}

	sort.Strings(files)
	for i := 0; i < len(files)-s.maxFiles; i++ {
		os.Remove(filepath.Join(s.dir, files[i]))
	}
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// MultiSink fans an event out to every inner sink, continuing past
// individual failures and returning a combined error.
type MultiSink struct {
	Sinks []Sink
}

func (m MultiSink) Emit(ctx context.Context, event Event) error {
	var errs []string
	for _, sink := range m.Sinks {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("events: %d sink(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
