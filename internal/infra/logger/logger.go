package logger

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sifan077/RoomGate/internal/app/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config drives how the zap logger is built.
type Config struct {
	Development bool
	Level       string
	Encoding    string
	// Fields are attached to every entry, e.g. service name and environment.
	Fields map[string]string
}

var (
	mu     sync.RWMutex
	global *zap.Logger
	colors = shouldColorize()
)

// Init builds a zap logger with the provided config and stores it globally.
func Init(cfg Config) (*zap.Logger, error) {
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()

	if global != nil {
		_ = global.Sync()
	}
	global = l
	zap.ReplaceGlobals(l)
	return global, nil
}

// MustInit panics if the logger cannot be built.
func MustInit(cfg Config) *zap.Logger {
	l, err := Init(cfg)
	if err != nil {
		panic(err)
	}
	return l
}

// L returns the global logger, or a no-op logger if Init was never called.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return zap.NewNop()
	}
	return global
}

// Sync flushes any buffered log entries on the global logger.
func Sync() error {
	mu.RLock()
	l := global
	mu.RUnlock()

	if l == nil {
		return nil
	}
	if err := l.Sync(); err != nil {
		// Syncing a terminal stdout fails on some platforms.
		if errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EINVAL) || errors.Is(err, os.ErrInvalid) {
			return nil
		}
		return err
	}
	return nil
}

// Token logs a link token as a short fingerprint. Raw tokens are bearer
// credentials and never reach the logs.
func Token(token string) zap.Field {
	return zap.String("token_fp", Fingerprint(token))
}

// Fingerprint is the first 12 hex characters of the token's SHA-256.
func Fingerprint(token string) string {
	return model.TokenFingerprint(token)[:12]
}

// New returns a zap.Logger configured according to cfg. Development builds
// default to the colorized console encoder, production to JSON.
func New(cfg Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}

	if cfg.Encoding != "" {
		switch cfg.Encoding {
		case "json", "console":
			zapCfg.Encoding = cfg.Encoding
		default:
			return nil, fmt.Errorf("logger: unknown encoding %q", cfg.Encoding)
		}
	}
	zapCfg.EncoderConfig = encoderConfig(zapCfg.Encoding)

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("logger: invalid level %q: %w", cfg.Level, err)
		}
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}

	if len(cfg.Fields) > 0 {
		zapCfg.InitialFields = make(map[string]interface{}, len(cfg.Fields))
		for k, v := range cfg.Fields {
			zapCfg.InitialFields[k] = v
		}
	}

	return zapCfg.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}

func encoderConfig(encoding string) zapcore.EncoderConfig {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
	}

	if encoding == "console" {
		cfg.ConsoleSeparator = " | "
		cfg.EncodeLevel = consoleLevel
		cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format("15:04:05.000"))
		}
	}
	return cfg
}

func consoleLevel(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	label := fmt.Sprintf("%-5s", level.CapitalString())
	if !colors {
		enc.AppendString(label)
		return
	}
	enc.AppendString(levelColors[level] + label + "\x1b[0m")
}

// levelColors maps levels to ANSI escapes; unknown levels render uncolored.
var levelColors = map[zapcore.Level]string{
	zapcore.DebugLevel:  "\x1b[36m",
	zapcore.InfoLevel:   "\x1b[32m",
	zapcore.WarnLevel:   "\x1b[33m",
	zapcore.ErrorLevel:  "\x1b[31m",
	zapcore.DPanicLevel: "\x1b[35m",
	zapcore.PanicLevel:  "\x1b[35m",
	zapcore.FatalLevel:  "\x1b[31;1m",
}

func shouldColorize() bool {
	if os.Getenv("NO_COLOR") != "" || os.Stdout == nil {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}
