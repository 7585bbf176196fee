package common

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
)

// Logger names used across the client
const (
	LoggerTransport = "transport/smb"
	LoggerClient    = "smb/client"
	LoggerTest      = "smb/test"
)

// loggerNames lists every logger InitLoggers configures
var loggerNames = []string{LoggerTransport, LoggerClient, LoggerTest}

// levelNames maps the accepted level strings to dragonboat levels
var levelNames = map[string]logger.LogLevel{
	"debug":   logger.DEBUG,
	"info":    logger.INFO,
	"warn":    logger.WARNING,
	"warning": logger.WARNING,
	"error":   logger.ERROR,
}

var (
	outputMu sync.Mutex
	output   io.Writer = os.Stderr
)

// --------------------------------------------------------------------------
// Line logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// lineLogger writes one "time LEVEL name | message" line per call
type lineLogger struct {
	mu    sync.RWMutex
	name  string
	level logger.LogLevel
	out   *log.Logger
}

func (l *lineLogger) SetLevel(level logger.LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *lineLogger) enabled(level logger.LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level >= level
}

func (l *lineLogger) Debugf(format string, args ...interface{}) {
	l.write(logger.DEBUG, "DBG", format, args)
}

func (l *lineLogger) Infof(format string, args ...interface{}) {
	l.write(logger.INFO, "INF", format, args)
}

func (l *lineLogger) Warningf(format string, args ...interface{}) {
	l.write(logger.WARNING, "WRN", format, args)
}

func (l *lineLogger) Errorf(format string, args ...interface{}) {
	l.write(logger.ERROR, "ERR", format, args)
}

// Panicf logs regardless of the level and panics
func (l *lineLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("PNC %s | %s", l.name, msg)
	panic(msg)
}

func (l *lineLogger) write(level logger.LogLevel, tag string, format string, args []interface{}) {
	if !l.enabled(level) {
		return
	}
	l.out.Printf("%s %s | %s", tag, l.name, fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Factory
// --------------------------------------------------------------------------

// CreateLogger has the dragonboat logger.Factory signature. Loggers created
// before SetLogOutput keep writing to the previous writer.
func CreateLogger(pkgName string) logger.ILogger {
	outputMu.Lock()
	w := output
	outputMu.Unlock()
	return &lineLogger{
		name:  pkgName,
		level: logger.INFO,
		out:   log.New(w, "", log.Ltime|log.Lmicroseconds),
	}
}

// SetLogOutput changes the writer of loggers created afterwards
func SetLogOutput(w io.Writer) {
	outputMu.Lock()
	output = w
	outputMu.Unlock()
}

// ParseLogLevel converts a level name to a dragonboat level
func ParseLogLevel(level string) (logger.LogLevel, error) {
	lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		return 0, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", level)
	}
	return lvl, nil
}

// ValidateLogLevel returns an error if level is neither empty nor a known level
func ValidateLogLevel(level string) error {
	if level == "" {
		return nil
	}
	_, err := ParseLogLevel(level)
	return err
}

// InitLoggers installs CreateLogger as the global factory and sets the level
// of all client loggers. An empty level keeps info.
func InitLoggers(level string) error {
	logger.SetLoggerFactory(CreateLogger)
	if level == "" {
		return nil
	}
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	for _, name := range loggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
