// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"go.uber.org/zap"
)

// Logger is the sink the client reports diagnostics to. Key/value pairs follow
// the message, e.g. Error("declare queue failed", "queue", name).
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// ZapLogger adapts a zap logger to the Logger sink. A nil logger yields a no-op sink.
func ZapLogger(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}

	return zapLogger{sugar: l.Named("rabbit").Sugar()}
}

func (z zapLogger) Debug(msg string, keysAndValues ...any) { z.sugar.Debugw(msg, keysAndValues...) }
func (z zapLogger) Info(msg string, keysAndValues ...any)  { z.sugar.Infow(msg, keysAndValues...) }
func (z zapLogger) Warn(msg string, keysAndValues ...any)  { z.sugar.Warnw(msg, keysAndValues...) }
func (z zapLogger) Error(msg string, keysAndValues ...any) { z.sugar.Errorw(msg, keysAndValues...) }

// LogVersion reports the client name and the AMQP protocol revision it speaks.
func LogVersion(l Logger) {
	l.Info("rabbit client", "client", clientName, "version", clientVersion, "protocol", "0-9-1")
}
