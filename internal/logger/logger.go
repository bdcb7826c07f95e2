// Package logger builds the zap loggers used across the exchange.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON logger writing to stdout tagged with the service name.
// An unknown level falls back to info.
func New(service, level string) *zap.Logger {
	return NewWithSink(service, level, zapcore.AddSync(os.Stdout))
}

func NewWithSink(service, level string, sink zapcore.WriteSyncer) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), sink, lvl)
	return zap.New(core, zap.AddCaller()).With(zap.String("service", service))
}
