// Package logger provides opinionated logging capabilities for chatrelay
package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config selects the level, encoding and sink of a logger.
type Config struct {
	Debug bool

	// JSON switches from the colored console encoder to structured JSON.
	JSON bool

	// Output defaults to stdout.
	Output io.Writer
}

// NewLogger returns a logger writing to out: the colored console encoder
// on a terminal, JSON lines otherwise.
func NewLogger(debug bool, out *os.File) *zap.Logger {
	return New(Config{
		Debug:  debug,
		JSON:   !term.IsTerminal(int(out.Fd())),
		Output: out,
	})
}

// New builds a zap logger from cfg.
func New(cfg Config) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.JSON {
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	level := zap.InfoLevel
	if cfg.Debug {
		level = zap.DebugLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), level)

	return zap.New(core, zap.AddCaller())
}
