// Package log builds the zap loggers shared by the irrigation services.
package log

import (
	"fmt"
	stdlog "log"

	"go.uber.org/zap"
)

var base *zap.Logger

// Init initializes the package-level logger. debug selects the development encoder.
func Init(debug bool) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("can't initialize zap logger: %w", err)
	}
	base = l
	return l.Sugar(), nil
}

// GetZapLogger returns the base logger, falling back to a production logger if Init was not called.
func GetZapLogger() *zap.Logger {
	if base == nil {
		base, _ = zap.NewProduction()
	}
	return base
}

// Named returns a sugared child logger for one component.
func Named(name string) *zap.SugaredLogger {
	return GetZapLogger().Named(name).Sugar()
}

// StdLog adapts l for libraries that want a *log.Logger (gorm). A nil l uses the base logger.
func StdLog(l *zap.Logger) *stdlog.Logger {
	if l == nil {
		l = GetZapLogger()
	}
	return zap.NewStdLog(l)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}

// Sync flushes any buffered log entries
func Sync() {
	if base != nil {
		_ = base.Sync()
	}
}
