// Package logger provides the small pluggable logging facade used
// throughout this module, following a plog = GetLogger(pkg) convention at
// the top of each package.
package logger

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// ILogger is the logging interface implemented by anything that wants to
// receive this module's log output. Host processes can supply their own
// backend via SetLoggerFactory.
type ILogger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Panicf(format string, args ...interface{})
}

// Factory creates a named ILogger.
type Factory func(pkg string) ILogger

var (
	mu      sync.Mutex
	factory Factory = newStdLogger
)

// SetLoggerFactory overrides the logger backend used by GetLogger. It must
// be called before any package-level plog variables are initialized to
// take full effect.
func SetLoggerFactory(f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factory = f
}

// GetLogger returns the named logger for pkg, e.g. logger.GetLogger("statemachine").
func GetLogger(pkg string) ILogger {
	mu.Lock()
	f := factory
	mu.Unlock()
	return f(pkg)
}

type stdLogger struct {
	pkg string
	l   *log.Logger
}

func newStdLogger(pkg string) ILogger {
	return &stdLogger{
		pkg: pkg,
		l:   log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (s *stdLogger) logf(level, format string, args ...interface{}) {
	s.l.Printf("%s [%s] %s", level, s.pkg, fmt.Sprintf(format, args...))
}

func (s *stdLogger) Debugf(format string, args ...interface{})   { s.logf("DEBUG", format, args...) }
func (s *stdLogger) Infof(format string, args ...interface{})    { s.logf("INFO", format, args...) }
func (s *stdLogger) Warningf(format string, args ...interface{}) { s.logf("WARN", format, args...) }
func (s *stdLogger) Errorf(format string, args ...interface{})   { s.logf("ERROR", format, args...) }

func (s *stdLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	s.logf("PANIC", msg)
	panic(fmt.Sprintf("[%s] %s", s.pkg, msg))
}
