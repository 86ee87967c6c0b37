// Package ulog provides the gated debug logging the core uses: a no-op
// until a debug file is configured via the debug_file option, then a plain
// line-oriented log.Logger.
package ulog

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/ulakefs/ulakefs/config"
)

// Logger gates writes to an underlying *log.Logger behind the debug path
// configured in a config.DebugPath. It is safe for concurrent use.
type Logger struct {
	debug *config.DebugPath

	mu  sync.Mutex
	out *log.Logger
	at  string // path the *log.Logger was opened against, "" if none
}

// New returns a Logger that consults debug for whether (and where) to
// write.
func New(debug *config.DebugPath) *Logger {
	return &Logger{debug: debug}
}

// Debugf writes a formatted debug line if and only if a debug file is
// currently configured. Re-resolves the target file on every call against
// the shared DebugPath, so a concurrent "set" takes effect without
// restarting the filesystem.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l == nil || l.debug == nil {
		return
	}
	path, enabled := l.debug.Get()
	if !enabled {
		return
	}

	w, err := l.writerFor(path)
	if err != nil {
		return
	}
	w.Output(2, fmt.Sprintf(format, args...))
}

func (l *Logger) writerFor(path string) (*log.Logger, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out != nil && l.at == path {
		return l.out, nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	l.out = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
	l.at = path
	return l.out, nil
}
