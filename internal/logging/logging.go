// Package logging builds the diagnostic logger: timestamped, level-tagged
// lines appended to a per-install file and echoed to stderr. Nothing in here
// ever reports a failure to the caller.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02 15:04:05.000"

// Options configures New.
type Options struct {
	// Path of the log file. Empty means DefaultPath().
	Path string
	// Verbose enables debug-level output.
	Verbose bool
	// Console, when non-nil, also receives every line (os.Stderr in main).
	Console io.Writer
}

// DefaultPath is <user config dir>/captioncast/log.txt, falling back to the
// working directory when no config dir is known.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "captioncast-log.txt"
	}
	return filepath.Join(dir, "captioncast", "log.txt")
}

// Logger is a zerolog.Logger plus the file it owns.
type Logger struct {
	zerolog.Logger
	file *safeFile
}

// New opens (or creates) the log file. An unusable path leaves the logger
// writing to Console only.
func New(opts Options) *Logger {
	path := opts.Path
	if path == "" {
		path = DefaultPath()
	}
	f := openSafe(path)

	writers := []io.Writer{zerolog.ConsoleWriter{Out: f, NoColor: true, TimeFormat: timeFormat}}
	if opts.Console != nil {
		writers = append(writers, zerolog.ConsoleWriter{Out: swallow{opts.Console}, TimeFormat: timeFormat})
	}

	lvl := zerolog.InfoLevel
	if opts.Verbose {
		lvl = zerolog.DebugLevel
	}
	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()
	return &Logger{Logger: l, file: f}
}

// Path reports the file being written, or "" when none could be opened.
func (l *Logger) Path() string {
	if l.file == nil || l.file.f == nil {
		return ""
	}
	return l.file.path
}

// Close releases the file. Safe to call more than once.
func (l *Logger) Close() error {
	if l.file != nil {
		l.file.close()
	}
	return nil
}

// safeFile appends to a file and reports success even when the write fails.
type safeFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openSafe(path string) *safeFile {
	sf := &safeFile{path: path}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return sf
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return sf
	}
	sf.f = f
	return sf
}

func (s *safeFile) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f != nil {
		_, _ = s.f.Write(p)
	}
	return len(p), nil
}

func (s *safeFile) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f != nil {
		_ = s.f.Close()
		s.f = nil
	}
}

type swallow struct{ w io.Writer }

func (s swallow) Write(p []byte) (int, error) {
	_, _ = s.w.Write(p)
	return len(p), nil
}
