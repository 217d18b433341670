package sandbox

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Diagnostic is one line of output the routine produced through its
// console proxy.
type Diagnostic struct {
	Level   string
	Message string
}

// recorder captures routine diagnostics in order and mirrors them to
// the process-wide log for operator visibility. The routine never
// receives the real process console, only this proxy.
type recorder struct {
	mu      sync.Mutex
	logger  *slog.Logger
	profile string
	entries []Diagnostic
}

func newRecorder(logger *slog.Logger, profile string) *recorder {
	return &recorder{logger: logger, profile: profile}
}

func (r *recorder) emit(level string, args ...any) {
	message := strings.TrimSuffix(fmt.Sprintln(args...), "\n")

	r.mu.Lock()
	r.entries = append(r.entries, Diagnostic{Level: level, Message: message})
	r.mu.Unlock()

	attrs := []any{
		slog.String("routine_profile", r.profile),
		slog.String("console_level", level),
	}
	switch level {
	case "error":
		r.logger.Error(message, attrs...)
	case "debug":
		r.logger.Debug(message, attrs...)
	default:
		r.logger.Info(message, attrs...)
	}
}

func (r *recorder) diagnostics() []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Diagnostic, len(r.entries))
	copy(out, r.entries)
	return out
}

// Console proxy functions bound into the interpreter.

func (r *recorder) log(args ...any)   { r.emit("log", args...) }
func (r *recorder) info(args ...any)  { r.emit("info", args...) }
func (r *recorder) error(args ...any) { r.emit("error", args...) }
func (r *recorder) debug(args ...any) { r.emit("debug", args...) }
