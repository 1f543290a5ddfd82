// Package logging wraps zap with per-package levels taken from the environment.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is the environment variable that sets the default level.
// EnvPrefix + "_" + PKG overrides it for a single package, e.g. XSKFWD_LOG_afxdp=D.
const EnvPrefix = "XSKFWD_LOG"

var root = func() *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.Lock(os.Stderr),
		zap.DebugLevel,
	)
	return zap.New(core)
}()

// New creates a named logger for a package.
// By convention it is assigned once per package:
//
//	var logger = logging.New("afxdp")
func New(pkg string) *zap.Logger {
	return root.Named(pkg).
		WithOptions(zap.IncreaseLevel(zap.NewAtomicLevelAt(ParseLevel(GetLevel(pkg)))))
}

// GetLevel returns the configured level letter of a package, or 0 if unset.
func GetLevel(pkg string) rune {
	lvl, ok := os.LookupEnv(EnvPrefix + "_" + pkg)
	if !ok {
		lvl, ok = os.LookupEnv(EnvPrefix)
	}
	lvl = strings.TrimSpace(lvl)
	if !ok || len(lvl) == 0 {
		return 0
	}
	return rune(lvl[0])
}

// ParseLevel maps a level letter to a zap level. Unknown letters mean Info.
func ParseLevel(lvl rune) zapcore.Level {
	switch lvl {
	case 'V', 'D', 'v', 'd':
		return zapcore.DebugLevel
	case 'I', 'i':
		return zapcore.InfoLevel
	case 'W', 'w':
		return zapcore.WarnLevel
	case 'E', 'e':
		return zapcore.ErrorLevel
	case 'F', 'N', 'f', 'n':
		return zapcore.DPanicLevel
	}
	return zapcore.InfoLevel
}

// Sync flushes the root logger. Errors from syncing stderr are ignored.
func Sync() {
	_ = root.Sync()
}
