package registrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marmos91/dropboxd/internal/logger"
)

// Registration log directories below the log root.
const (
	RegistrationLogInProcess = "in-process"
	RegistrationLogSucceeded = "succeeded"
	RegistrationLogFailed    = "failed"
)

// RegistrationLog is the human readable log of one incoming file. It lives in
// <log-dir>/in-process while the file is handled and is moved to succeeded or
// failed at the end.
//
// A nil *RegistrationLog discards everything, so callers never need to check
// whether registration logs are enabled.
type RegistrationLog struct {
	mu   sync.Mutex
	root string
	name string
	dir  string
}

// NewRegistrationLog creates the log for incoming. Returns nil when logDir is
// empty.
func NewRegistrationLog(logDir, dropbox, incoming string) *RegistrationLog {
	if logDir == "" {
		return nil
	}
	name := fmt.Sprintf("%s_%s_%s.log",
		time.Now().Format("2006-01-02_15-04-05.000"), dropbox, filepath.Base(incoming))
	return &RegistrationLog{root: logDir, name: name, dir: RegistrationLogInProcess}
}

// Path returns the current location of the log file.
func (l *RegistrationLog) Path() string {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return filepath.Join(l.root, l.dir, l.name)
}

// Logf appends one timestamped line.
func (l *RegistrationLog) Logf(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	dir := filepath.Join(l.root, l.dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Warn("Registration log %s: %v", l.name, err)
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, l.name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logger.Warn("Registration log %s: %v", l.name, err)
		return
	}
	defer f.Close()
	line := fmt.Sprintf("%s %s\n", time.Now().Format("2006-01-02 15:04:05"), fmt.Sprintf(format, args...))
	if _, err := f.WriteString(line); err != nil {
		logger.Warn("Registration log %s: %v", l.name, err)
	}
}

// RegisterSuccess moves the log to the succeeded directory.
func (l *RegistrationLog) RegisterSuccess() {
	l.finish(RegistrationLogSucceeded)
}

// RegisterFailure moves the log to the failed directory.
func (l *RegistrationLog) RegisterFailure() {
	l.finish(RegistrationLogFailed)
}

func (l *RegistrationLog) finish(target string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dir != RegistrationLogInProcess {
		return
	}

	src := filepath.Join(l.root, l.dir, l.name)
	if _, err := os.Stat(src); err != nil {
		// Nothing was logged.
		l.dir = target
		return
	}
	dstDir := filepath.Join(l.root, target)
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		logger.Warn("Registration log %s: %v", l.name, err)
		return
	}
	if err := os.Rename(src, filepath.Join(dstDir, l.name)); err != nil {
		logger.Warn("Registration log %s: %v", l.name, err)
		return
	}
	l.dir = target
}
