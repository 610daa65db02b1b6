package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"log/slog"
)

var (
	levelVar   slog.LevelVar
	loggerMu   sync.RWMutex
	baseLogger *slog.Logger
)

func init() {
	levelVar.Set(slog.LevelInfo)
	baseLogger = newLogger(os.Stdout)
}

func newLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: &levelVar})
	return slog.New(handler)
}

func SetOutput(w io.Writer) {
	loggerMu.Lock()
	baseLogger = newLogger(w)
	loggerMu.Unlock()
}

func SetLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "info":
		levelVar.Set(slog.LevelInfo)
	case "warn", "warning":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

func activeLogger() *slog.Logger {
	loggerMu.RLock()
	l := baseLogger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if baseLogger == nil {
		baseLogger = newLogger(os.Stdout)
	}
	return baseLogger
}

// Tagged 是带子系统标签的记录器：每条消息加 "[tag] " 前缀。
// 各包在包级声明一次，统一自己的日志标签。
type Tagged struct {
	prefix string
}

// Tag 构造子系统记录器。
func Tag(name string) Tagged {
	return Tagged{prefix: "[" + name + "] "}
}

func (t Tagged) Debugf(format string, v ...any) {
	activeLogger().Debug(t.prefix + fmt.Sprintf(format, v...))
}

func (t Tagged) Infof(format string, v ...any) {
	activeLogger().Info(t.prefix + fmt.Sprintf(format, v...))
}

func (t Tagged) Warnf(format string, v ...any) {
	activeLogger().Warn(t.prefix + fmt.Sprintf(format, v...))
}

func (t Tagged) Errorf(format string, v ...any) {
	activeLogger().Error(t.prefix + fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...any) {
	activeLogger().Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	activeLogger().Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	activeLogger().Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	activeLogger().Error(fmt.Sprintf(format, v...))
}
