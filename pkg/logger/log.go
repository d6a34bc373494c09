/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

// Package logger holds the process-wide loggers. It is first in the
// initialization order and must not depend on other riverlog packages.
package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type (
	alwaysLevel     struct{}
	loggerComposite struct {
		info   *zap.Logger
		infoS  *zap.SugaredLogger
		warn   *zap.Logger
		warnS  *zap.SugaredLogger
		error  *zap.Logger
		errorS *zap.SugaredLogger
		stat   *zap.Logger
	}
)

var (
	zapLogger    *loggerComposite
	DebugEnabled = false
)

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		NameKey:          "logger",
		MessageKey:       "msg",
		StacktraceKey:    "stacktrace",
		ConsoleSeparator: " ",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.LowercaseLevelEncoder,
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
	}
}

// init installs console loggers so that logging works before Setup.
func init() {
	newConsole := func() *zap.Logger {
		return zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.AddSync(os.Stdout), alwaysLevel{}))
	}
	zapLogger = &loggerComposite{
		info:  newConsole(),
		warn:  newConsole(),
		error: newConsole(),
		stat:  newConsole(),
	}
	zapLogger.infoS = zapLogger.info.Sugar()
	zapLogger.warnS = zapLogger.warn.Sugar()
	zapLogger.errorS = zapLogger.error.Sugar()
}

func (a alwaysLevel) Enabled(level zapcore.Level) bool {
	return true
}

// Setup redirects the loggers into per-level files under logDir. The
// console loggers stay active when console is true.
func Setup(logDir string, console bool) {
	newFileLogger := func(name string) *zap.Logger {
		w, err := NewRotateWriter(filepath.Join(logDir, name), 256*1024*1024, 5)
		if err != nil {
			panic(err)
		}
		fileCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.AddSync(w), alwaysLevel{})
		if console {
			return zap.New(zapcore.NewTee(
				fileCore,
				zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.AddSync(os.Stdout), alwaysLevel{}),
			))
		}
		return zap.New(fileCore)
	}

	zapLogger = &loggerComposite{
		info:  newFileLogger("info.log"),
		warn:  newFileLogger("warn.log"),
		error: newFileLogger("error.log"),
		stat:  newFileLogger("stat.log"),
	}
	zapLogger.infoS = zapLogger.info.Sugar()
	zapLogger.warnS = zapLogger.warn.Sugar()
	zapLogger.errorS = zapLogger.error.Sugar()
}

func Debugz(msg string, fields ...zap.Field) {
	if DebugEnabled {
		zapLogger.info.Info(msg, fields...)
	}
}
func Infoz(msg string, fields ...zap.Field) {
	zapLogger.info.Info(msg, fields...)
}
func Warnz(msg string, fields ...zap.Field) {
	zapLogger.warn.Info(msg, fields...)
}
func Errorz(msg string, fields ...zap.Field) {
	zapLogger.error.Info(msg, fields...)
}

func Debugf(msg string, args ...interface{}) {
	if DebugEnabled {
		zapLogger.infoS.Infof(msg, args...)
	}
}
func Infof(msg string, args ...interface{}) {
	zapLogger.infoS.Infof(msg, args...)
}
func Warnf(msg string, args ...interface{}) {
	zapLogger.warnS.Infof(msg, args...)
}
func Errorf(msg string, args ...interface{}) {
	zapLogger.errorS.Infof(msg, args...)
}

func Infow(msg string, keyAndValues ...interface{}) {
	zapLogger.infoS.Infow(msg, keyAndValues...)
}
func Errorw(msg string, keyAndValues ...interface{}) {
	zapLogger.errorS.Infow(msg, keyAndValues...)
}

// Stat prints one line to the stat log. pkg/stat owns the format.
func Stat(msg string) {
	zapLogger.stat.Info(msg)
}

func IsDebugEnabled() bool {
	return DebugEnabled
}
