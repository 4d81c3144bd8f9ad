package api

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	gommonlog "github.com/labstack/gommon/log"
)

// echoLogger routes echo's internal log output through slog so the
// framework's own messages land in the same stream as ours. Level and
// output are managed by the slog handler, the setters are no-ops.
type echoLogger struct {
	log *slog.Logger
}

func newEchoLogger(log *slog.Logger) *echoLogger {
	if log == nil {
		log = slog.Default()
	}
	return &echoLogger{log: log}
}

func (l *echoLogger) Output() io.Writer         { return io.Discard }
func (l *echoLogger) SetOutput(_ io.Writer)     {}
func (l *echoLogger) Prefix() string            { return "" }
func (l *echoLogger) SetPrefix(_ string)        {}
func (l *echoLogger) Level() gommonlog.Lvl      { return gommonlog.INFO }
func (l *echoLogger) SetLevel(_ gommonlog.Lvl)  {}
func (l *echoLogger) SetHeader(_ string)        {}

func (l *echoLogger) jsonArgs(j gommonlog.JSON) []any {
	args := make([]any, 0, len(j)*2)
	for k, v := range j {
		args = append(args, k, v)
	}
	return args
}

func (l *echoLogger) Print(i ...any)                  { l.log.Info(fmt.Sprint(i...)) }
func (l *echoLogger) Printf(format string, args ...any) { l.log.Info(fmt.Sprintf(format, args...)) }
func (l *echoLogger) Printj(j gommonlog.JSON)         { l.log.Info("echo", l.jsonArgs(j)...) }

func (l *echoLogger) Debug(i ...any)                  { l.log.Debug(fmt.Sprint(i...)) }
func (l *echoLogger) Debugf(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *echoLogger) Debugj(j gommonlog.JSON)         { l.log.Debug("echo", l.jsonArgs(j)...) }

func (l *echoLogger) Info(i ...any)                  { l.log.Info(fmt.Sprint(i...)) }
func (l *echoLogger) Infof(format string, args ...any) { l.log.Info(fmt.Sprintf(format, args...)) }
func (l *echoLogger) Infoj(j gommonlog.JSON)         { l.log.Info("echo", l.jsonArgs(j)...) }

func (l *echoLogger) Warn(i ...any)                  { l.log.Warn(fmt.Sprint(i...)) }
func (l *echoLogger) Warnf(format string, args ...any) { l.log.Warn(fmt.Sprintf(format, args...)) }
func (l *echoLogger) Warnj(j gommonlog.JSON)         { l.log.Warn("echo", l.jsonArgs(j)...) }

func (l *echoLogger) Error(i ...any)                  { l.log.Error(fmt.Sprint(i...)) }
func (l *echoLogger) Errorf(format string, args ...any) { l.log.Error(fmt.Sprintf(format, args...)) }
func (l *echoLogger) Errorj(j gommonlog.JSON)         { l.log.Error("echo", l.jsonArgs(j)...) }

func (l *echoLogger) Fatal(i ...any) {
	l.log.Error(fmt.Sprint(i...))
	os.Exit(1)
}

func (l *echoLogger) Fatalf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (l *echoLogger) Fatalj(j gommonlog.JSON) {
	l.log.Error("echo", l.jsonArgs(j)...)
	os.Exit(1)
}

func (l *echoLogger) Panic(i ...any) {
	msg := fmt.Sprint(i...)
	l.log.Error(msg)
	panic(msg)
}

func (l *echoLogger) Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.log.Error(msg)
	panic(msg)
}

func (l *echoLogger) Panicj(j gommonlog.JSON) {
	l.log.Error("echo", l.jsonArgs(j)...)
	panic(fmt.Sprint(j))
}
