// Package logsink implements the Logging Sink (spec.md §4.4): an event-bus
// subscriber that writes a structured JSON-lines file and a human-readable
// colored console stream, with independent level filters per stream. It is
// the sole path by which an ERROR/CRITICAL record sets session.has_errors.
//
// Built on the zap core that is already the ambient logging library in this
// repository (see cmd/pc-switcher), composed via zapcore.NewTee the way a
// dual-output structured logger is assembled — replacing the original
// structlog dual-configuration in core/logging.py with zap's equivalent
// composition rather than introducing a second logging library.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/flaksit/pc-switcher/internal/eventbus"
)

// HasErrorsSetter is implemented by session.Session; kept as a narrow
// interface here so logsink does not import the session package back.
type HasErrorsSetter interface {
	SetHasErrors(bool)
}

// Sink consumes events from a subscription and writes them to both output
// streams until the bus is closed.
type Sink struct {
	logger  *zap.Logger
	file    *os.File
	session HasErrorsSetter
}

// LogFilePath returns the fixed JSON-lines log path for a session,
// matching spec.md §6's "<data>/logs/sync-<YYYYMMDDThhmmss>-<session_id>.log".
func LogFilePath(dataDir string, createdAt string, sessionID string) string {
	return filepath.Join(dataDir, "logs", fmt.Sprintf("sync-%s-%s.log", createdAt, sessionID))
}

// New opens logPath (creating parent directories) and builds a Sink with a
// JSON file core at fileLevel and a colored console core at cliLevel.
func New(logPath string, fileLevel, cliLevel eventbus.LogLevel, session HasErrorsSetter) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o750); err != nil {
		return nil, fmt.Errorf("logsink: failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("logsink: failed to open %s: %w", logPath, err)
	}

	fileEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(consoleCfg)

	fileCore := zapcore.NewCore(fileEncoder, zapcore.AddSync(f), toZapLevel(fileLevel))
	consoleCore := zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stderr), toZapLevel(cliLevel))

	core := zapcore.NewTee(fileCore, consoleCore)
	logger := zap.New(core)

	return &Sink{logger: logger, file: f, session: session}, nil
}

// Run drains sub until the bus closes it, writing every Log event to both
// streams and bumping session.has_errors on ERROR/CRITICAL.
func (s *Sink) Run(sub *eventbus.Subscription) {
	for {
		ev, ok := sub.Next()
		if !ok {
			return
		}
		switch ev.Kind {
		case eventbus.KindLog:
			s.writeLog(ev)
		case eventbus.KindProgress:
			// Progress events are not persisted to the log stream directly;
			// they are consumed by the terminal UI collaborator (out of
			// scope per spec.md §1). The sink only logs them at FULL level
			// for diagnostics.
			s.logger.Debug("progress", zap.String("job", ev.Job), zap.Any("percent", ev.Percent))
		case eventbus.KindConnection:
			s.logger.Info("connection", zap.String("status", ev.Status))
		}
	}
}

func (s *Sink) writeLog(ev eventbus.Event) {
	fields := make([]zap.Field, 0, len(ev.Context)+2)
	fields = append(fields, zap.String("job", ev.Job), zap.String("host", ev.Host))
	for k, v := range ev.Context {
		fields = append(fields, zap.Any(k, v))
	}

	switch ev.Level {
	case eventbus.LevelDebug, eventbus.LevelFull:
		s.logger.Debug(ev.Message, fields...)
	case eventbus.LevelInfo:
		s.logger.Info(ev.Message, fields...)
	case eventbus.LevelWarning:
		s.logger.Warn(ev.Message, fields...)
	case eventbus.LevelError:
		s.logger.Error(ev.Message, fields...)
		s.session.SetHasErrors(true)
	case eventbus.LevelCritical:
		s.logger.Error(ev.Message, append(fields, zap.String("severity", "CRITICAL"))...)
		s.session.SetHasErrors(true)
	}
}

// Close flushes and closes the underlying log file.
func (s *Sink) Close() error {
	_ = s.logger.Sync()
	return s.file.Close()
}

func toZapLevel(l eventbus.LogLevel) zapcore.Level {
	switch {
	case l <= eventbus.LevelDebug:
		return zapcore.DebugLevel
	case l <= eventbus.LevelFull:
		return zapcore.DebugLevel
	case l <= eventbus.LevelInfo:
		return zapcore.InfoLevel
	case l <= eventbus.LevelWarning:
		return zapcore.WarnLevel
	case l <= eventbus.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.ErrorLevel
	}
}
