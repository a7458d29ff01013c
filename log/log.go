// Package log builds the process logger and adapts it to the transport's
// pluggable log sink.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"jobwire/transport"
)

// New builds a zap logger writing JSON to stderr. Debug mode lowers the
// level and switches to the development config's human-readable output.
func New(debug bool) *zap.Logger {
	if debug {
		cfg := zap.NewDevelopmentEncoderConfig()
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(cfg),
			zapcore.Lock(os.Stderr),
			zap.DebugLevel,
		)
		return zap.New(core)
	}
	cfg := zap.NewProductionEncoderConfig()
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(cfg),
		zapcore.Lock(os.Stderr),
		zap.InfoLevel,
	)
	return zap.New(core)
}

// Sink adapts a zap logger to the transport's log sink, mapping the engine's
// verbosity levels onto zap's.
func Sink(logger *zap.Logger) transport.LogFn {
	sugar := logger.Sugar()
	return func(level transport.Verbosity, msg string) {
		switch level {
		case transport.VerboseFatal, transport.VerboseError:
			sugar.Error(msg)
		case transport.VerboseInfo:
			sugar.Info(msg)
		case transport.VerboseDebug:
			sugar.Debug(msg)
		}
	}
}
