// Package logging builds the logr.Logger used across the binaries.
package logging

import (
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// levelEnabler maps logr verbosity onto zap levels: V(n) logs at zap level -n.
type levelEnabler struct {
	level int
}

func (l levelEnabler) Enabled(lvl zapcore.Level) bool {
	return -int(lvl) <= l.level
}

// New returns a logger writing to stderr that prints messages up to
// verbosity level. With development set the output is human readable,
// otherwise JSON.
func New(level int, development bool) logr.Logger {
	return NewTo(os.Stderr, level, development)
}

// NewTo is New with an explicit destination.
func NewTo(w io.Writer, level int, development bool) logr.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encCfg)
	if development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(w), levelEnabler{level: level})
	return zapr.NewLogger(zap.New(core))
}
