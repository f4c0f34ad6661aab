package main

import (
	"context"
	"fmt"

	didauth "github.com/goliatone/go-didauth"
	"github.com/goliatone/go-didauth/activitymap"
	"github.com/goliatone/go-logger/glog"
)

// Logger adapts a structured glog logger to the format style logger the
// didauth packages take.
type Logger struct {
	lgr glog.Logger
}

func NewLogger(lgr glog.Logger) *Logger {
	return &Logger{lgr: lgr}
}

func (l *Logger) Debug(format string, args ...any) {
	l.lgr.Debug(fmt.Sprintf(format, args...))
}

func (l *Logger) Info(format string, args ...any) {
	l.lgr.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...any) {
	l.lgr.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...any) {
	l.lgr.Error(fmt.Sprintf(format, args...))
}

// NewActivityLogger records audit events to the activity logger
func NewActivityLogger(lgr glog.Logger) didauth.ActivitySink {
	return didauth.ActivitySinkFunc(func(_ context.Context, event didauth.ActivityEvent) error {
		lgr.Info("activity", activitymap.Normalize(event).KeyValues()...)
		return nil
	})
}
