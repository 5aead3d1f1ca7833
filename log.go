package loom

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomrpc/loom/messages"
)

// A ClusterLogger is the logging interface used throughout the cluster
// runtime.
//
// Trace is used for step-by-step diagnostic detail that should ship
// disabled in production. Info is used for situations that are not
// problems (DNS resolution progress, connections established). Warn is
// used for problems that are generally expected and may resolve
// themselves (a lost connection, a stale cluster-hash mismatch). Error
// is used for situations that prevent communication with a node and
// will most likely not resolve without intervention (a failed
// handshake, an incompatible protocol version).
type ClusterLogger interface {
	Trace(interface{}, ...interface{})
	Tracef(string, ...interface{})
	Info(interface{}, ...interface{})
	Infof(string, ...interface{})
	Warn(interface{}, ...interface{})
	Warnf(string, ...interface{})
	Error(interface{}, ...interface{})
	Errorf(string, ...interface{})
}

// SlogLogger adapts a *slog.Logger to the ClusterLogger interface. This
// is the default logging backend; unlike a bare log.Logger it carries
// structured attributes (node id, peer id, RRID) where callers attach
// them via slog.With before passing the logger in.
//
// Every record is wrapped in a messages.LogMessage before being handed
// to slog: the record's rendered text comes from LogMessage.String()
// ("[LEVEL] loom: text"), and the LogMessage itself rides along as a
// "loom_msg" attribute so a JSON-handler-backed logger gets the level
// and namespace back out as structured fields, not just baked into the
// message string.
type SlogLogger struct {
	logger *slog.Logger
}

// WrapSlog returns a ClusterLogger backed by the given *slog.Logger.
func WrapSlog(l *slog.Logger) ClusterLogger {
	return SlogLogger{logger: l}
}

func (sl SlogLogger) emit(level slog.Level, lm *messages.LogMessage) {
	sl.logger.LogAttrs(context.Background(), level, lm.String(), slog.Any("loom_msg", lm))
}

func (sl SlogLogger) Trace(s interface{}, vals ...interface{}) {
	sl.emit(slog.LevelDebug, messages.Trace(fmt.Sprintf(fmt.Sprintf("%v", s), vals...)))
}

func (sl SlogLogger) Tracef(format string, vals ...interface{}) {
	sl.emit(slog.LevelDebug, messages.Trace(fmt.Sprintf(format, vals...)))
}

func (sl SlogLogger) Info(s interface{}, vals ...interface{}) {
	sl.emit(slog.LevelInfo, messages.Info(fmt.Sprintf(fmt.Sprintf("%v", s), vals...)))
}

func (sl SlogLogger) Infof(format string, vals ...interface{}) {
	sl.emit(slog.LevelInfo, messages.Info(fmt.Sprintf(format, vals...)))
}

func (sl SlogLogger) Warn(s interface{}, vals ...interface{}) {
	sl.emit(slog.LevelWarn, messages.Warn(fmt.Sprintf(fmt.Sprintf("%v", s), vals...)))
}

func (sl SlogLogger) Warnf(format string, vals ...interface{}) {
	sl.emit(slog.LevelWarn, messages.Warn(fmt.Sprintf(format, vals...)))
}

func (sl SlogLogger) Error(s interface{}, vals ...interface{}) {
	sl.emit(slog.LevelError, messages.Error(fmt.Sprintf(fmt.Sprintf("%v", s), vals...)))
}

func (sl SlogLogger) Errorf(format string, vals ...interface{}) {
	sl.emit(slog.LevelError, messages.Error(fmt.Sprintf(format, vals...)))
}

// StdLogger is a ClusterLogger backed by slog.Default().
var StdLogger = WrapSlog(slog.Default())

// NullLogger implements ClusterLogger and discards everything.
var NullLogger = nullLogger{}

type nullLogger struct{}

func (nullLogger) Trace(interface{}, ...interface{})  {}
func (nullLogger) Tracef(string, ...interface{})      {}
func (nullLogger) Info(interface{}, ...interface{})   {}
func (nullLogger) Infof(string, ...interface{})       {}
func (nullLogger) Warn(interface{}, ...interface{})   {}
func (nullLogger) Warnf(string, ...interface{})       {}
func (nullLogger) Error(interface{}, ...interface{})  {}
func (nullLogger) Errorf(string, ...interface{})      {}

func resolveLog(cl ClusterLogger) ClusterLogger {
	if cl == nil {
		return StdLogger
	}
	return cl
}
