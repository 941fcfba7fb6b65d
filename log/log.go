// Package log implements the module-scoped, keyed logger used throughout
// the broker: logger := log.NewModuleLogger(log.Broker); logger.Info("msg",
// "key", value). The call signature matches every logger.* call site in
// the teacher's common/cache.go and node/sc/mainbridge.go, though the
// teacher never ships the log package's own source — only its call sites —
// so the implementation here is original, built on go.uber.org/zap with a
// colorized console encoder matching the teacher's fatih/color +
// mattn/go-colorable dependency pair.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	colorable "github.com/mattn/go-colorable"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module name constants, mirroring the teacher's log.CMDKCN/log.Common
// style module registry.
const (
	Broker       = "broker"
	HTTPBridge   = "httpbridge"
	Forwarder    = "forwarder"
	Conversation = "conversation"
	Auth         = "auth"
	Transport    = "transport"
	Protocol     = "protocol"
	Async        = "async"
	Proxyfarm    = "proxyfarm"
	Config       = "config"
	CmdBroker    = "cmd/bl-messaging-broker"
	CmdGateway   = "cmd/bl-messaging-http-gateway"
	CmdEcho      = "cmd/bl-messaging-echo-server"
)

var (
	mu     sync.Mutex
	level  = zap.InfoLevel
	core   zapcore.Core
	stdout = colorable.NewColorableStdout()
)

func init() {
	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "module",
		MessageKey:     "msg",
		EncodeLevel:    colorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core = zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(stdout),
		zap.NewAtomicLevelAt(level),
	)
}

// colorLevelEncoder renders the level name through fatih/color so the
// console encoder's output is colorized over the colorable stdout wrapper,
// matching the teacher's fatih/color + mattn/go-colorable pairing.
func colorLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	s := l.CapitalString()
	switch l {
	case zapcore.DebugLevel:
		s = color.New(color.FgMagenta).Sprint(s)
	case zapcore.InfoLevel:
		s = color.New(color.FgCyan).Sprint(s)
	case zapcore.WarnLevel:
		s = color.New(color.FgYellow).Sprint(s)
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		s = color.New(color.FgRed, color.Bold).Sprint(s)
	}
	enc.AppendString(s)
}

// SetLevel adjusts the global minimum log level ("trace", "debug", "info",
// "warn", "error", "crit"), wired to the broker daemons' --log-level flag.
func SetLevel(name string) {
	mu.Lock()
	defer mu.Unlock()
	switch strings.ToLower(name) {
	case "trace", "debug":
		level = zap.DebugLevel
	case "warn":
		level = zap.WarnLevel
	case "error":
		level = zap.ErrorLevel
	case "crit":
		level = zap.FatalLevel
	default:
		level = zap.InfoLevel
	}
	core = zapcore.NewCore(
		zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "module",
			MessageKey:     "msg",
			EncodeLevel:    colorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		}),
		zapcore.AddSync(stdout),
		zap.NewAtomicLevelAt(level),
	)
}

// Logger is a module-scoped leveled logger taking alternating key-value
// pairs, matching the teacher's logger.Info("msg", "k", v, "k2", v2) idiom.
type Logger struct {
	module string
	sugar  *zap.SugaredLogger
}

// NewModuleLogger returns the logger for module, used at package scope as
// `var logger = log.NewModuleLogger(log.Broker)`.
func NewModuleLogger(module string) *Logger {
	mu.Lock()
	c := core
	mu.Unlock()
	base := zap.New(c).Named(module)
	return &Logger{module: module, sugar: base.Sugar()}
}

func (l *Logger) Trace(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l *Logger) Debug(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.sugar.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.sugar.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }

// Crit logs at error level with a caller stack attached and then exits the
// process with status 1. Reserved for unrecoverable startup failures in
// cmd/ mains.
func (l *Logger) Crit(msg string, kv ...interface{}) {
	kv = append(kv, "stack", fmt.Sprintf("%v", stack.Trace().TrimRuntime()))
	l.sugar.Errorw(msg, kv...)
	os.Exit(1)
}
