// Package logger provides the process-wide structured logger, following the
// teacher's async-writer-over-zerolog pattern so that logging from a hot
// path (the orchestrator, which may handle many concurrent invocations)
// never blocks on stdout or file I/O.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// asyncWriter performs writes in a background goroutine so a slow sink
// (disk, a pipe) never blocks the caller.
type asyncWriter struct {
	ch     chan []byte
	writer io.Writer
}

func newAsyncWriter(w io.Writer, bufSize int) *asyncWriter {
	aw := &asyncWriter{
		ch:     make(chan []byte, bufSize),
		writer: w,
	}
	go aw.drain()
	return aw
}

func (aw *asyncWriter) drain() {
	for p := range aw.ch {
		aw.writer.Write(p) //nolint:errcheck
	}
}

func (aw *asyncWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case aw.ch <- buf:
	default:
		// drop the log entry if the buffer is full rather than blocking
	}
	return len(p), nil
}

var once sync.Once
var log zerolog.Logger

// GetLogLevel reads CMDGATE_LOG_LEVEL (a numeric zerolog level), defaulting
// to info when unset or unparsable.
func GetLogLevel() zerolog.Level {
	level, err := strconv.Atoi(os.Getenv("CMDGATE_LOG_LEVEL"))
	if err != nil {
		return zerolog.InfoLevel
	}
	return zerolog.Level(level)
}

// Get returns the process-wide logger, initializing it on first call.
func Get() zerolog.Logger {
	once.Do(func() {
		zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
		zerolog.TimeFieldFormat = time.RFC3339Nano

		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}

		var syncOutput io.Writer = consoleWriter

		if stateDir, err := StateDir(); err == nil {
			if fileWriter, err := newDailyRotatingLogWriter(stateDir); err == nil {
				syncOutput = zerolog.MultiLevelWriter(consoleWriter, fileWriter)
			}
		}

		output := newAsyncWriter(syncOutput, 1024)

		var gitRevision string
		var goVersion string
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			goVersion = buildInfo.GoVersion
			for _, v := range buildInfo.Settings {
				if v.Key == "vcs.revision" {
					gitRevision = v.Value
					break
				}
			}
		}

		log = zerolog.New(output).
			Level(GetLogLevel()).
			With().
			Timestamp().
			Str("git_revision", gitRevision).
			Str("go_version", goVersion).
			Logger()
	})

	return log
}

// StateDir returns the directory gatekeeperd writes its rotating log files
// and other runtime state into, honoring CMDGATE_STATE_DIR before falling
// back to the XDG state home.
func StateDir() (string, error) {
	if dir := os.Getenv("CMDGATE_STATE_DIR"); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
		return dir, nil
	}

	dir := filepath.Join(xdg.StateHome, "cmdgate")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

const (
	logFilePrefix   = "gatekeeperd-"
	logFileSuffix   = ".log"
	maxLogFileCount = 7
)

type dailyRotatingLogWriter struct {
	mu          sync.Mutex
	dir         string
	currentDate string
	file        *os.File
}

func newDailyRotatingLogWriter(dir string) (*dailyRotatingLogWriter, error) {
	w := &dailyRotatingLogWriter{dir: dir}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *dailyRotatingLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return 0, err
	}
	return w.file.Write(p)
}

func (w *dailyRotatingLogWriter) rotateIfNeeded() error {
	today := time.Now().Format("2006-01-02")
	if w.currentDate == today && w.file != nil {
		return nil
	}

	if w.file != nil {
		w.file.Close()
	}

	name := logFilePrefix + today + logFileSuffix
	file, err := os.OpenFile(
		filepath.Join(w.dir, name),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY,
		0o644,
	)
	if err != nil {
		return err
	}

	w.file = file
	w.currentDate = today

	cleanupOldLogFiles(w.dir)

	return nil
}

func (w *dailyRotatingLogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

var _ io.WriteCloser = (*dailyRotatingLogWriter)(nil)

func cleanupOldLogFiles(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var logFiles []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, logFilePrefix) && strings.HasSuffix(name, logFileSuffix) {
			logFiles = append(logFiles, name)
		}
	}

	if len(logFiles) <= maxLogFileCount {
		return
	}

	sort.Strings(logFiles)

	for i := 0; i < len(logFiles)-maxLogFileCount; i++ {
		os.Remove(filepath.Join(dir, logFiles[i]))
	}
}
