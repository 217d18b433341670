// Package sandbox compiles and runs user transformation routines.
//
// Routines are Go snippets interpreted in-process with yaegi. A
// routine declares the entry point
//
//	func main(config *manifest.Document, profileName string) *manifest.Document
//
// and may use the preloaded manifest and console packages plus the Go
// standard library. The interpreter boundary is a time bound, not a
// security boundary: the routine runs with the interpreter's
// capabilities, and a routine that never yields to the interpreter's
// cancellation points leaves a goroutine behind on timeout.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/subforge/subforge/internal/domain"
	"github.com/subforge/subforge/internal/manifest"
	"github.com/subforge/subforge/internal/validate"
)

// DefaultBudget is the wall-clock budget for one routine invocation.
const DefaultBudget = 10 * time.Second

// entryName is what the routine's main is renamed to before
// evaluation. The interpreter runs a function literally named main as
// soon as it is defined, with zero-value arguments; renaming defers
// the call until the host invokes it with the real ones.
const entryName = "routineMain"

var (
	entryPointPattern    = regexp.MustCompile(`\bfunc\s+main\s*\(`)
	packageClausePattern = regexp.MustCompile(`(?m)^[ \t]*package\s+\w+[ \t]*\r?\n`)
	importLinePattern    = regexp.MustCompile(`^\s*(?:import\s+)?(?:[\w.]+\s+)?"([^"]+)"\s*$`)
	parseErrorPattern    = regexp.MustCompile(`\b\d+:\d+: (?:expected|missing) `)
)

// Imports the routine is not allowed to pull in. Everything else in
// the standard library is available.
var forbiddenImports = map[string]bool{
	"os/exec": true,
	"syscall": true,
	"unsafe":  true,
	"plugin":  true,
}

// Result is the outcome of one sandbox invocation. Ownership transfers
// to the caller; diagnostics are discarded after logging.
type Result struct {
	Document    *manifest.Document
	Diagnostics []Diagnostic
}

// Executor runs routines under a time budget. A fresh interpreter is
// built per invocation, so no state leaks between runs.
type Executor struct {
	logger *slog.Logger
	budget time.Duration
}

// NewExecutor creates an executor. A non-positive budget selects
// DefaultBudget.
func NewExecutor(logger *slog.Logger, budget time.Duration) *Executor {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Executor{logger: logger, budget: budget}
}

// Run invokes the routine's main against a deep copy of doc.
//
// The caller's document is never mutated. The returned document has
// already passed strict validation. All failures are reclassified into
// the conversion error taxonomy by pattern-matching the interpreter's
// message.
func (e *Executor) Run(ctx context.Context, doc *manifest.Document, source, profileName string) (result *Result, err error) {
	if !entryPointPattern.MatchString(source) {
		return nil, domain.NewError(domain.KindMissingEntryPoint,
			"routine declares no main entry point")
	}
	if err := checkImports(source); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = domain.NewError(domain.KindScriptRuntime,
				fmt.Sprintf("routine panicked: %v", r))
		}
	}()

	rec := newRecorder(e.logger, profileName)
	input := doc.Clone()

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, domain.NewError(domain.KindScriptRuntime, "failed to load interpreter stdlib").WithCause(err)
	}
	if err := i.Use(hostExports(rec, input, profileName)); err != nil {
		return nil, domain.NewError(domain.KindScriptRuntime, "failed to bind host symbols").WithCause(err)
	}
	if _, err := i.Eval(prelude); err != nil {
		return nil, domain.NewError(domain.KindScriptRuntime, "failed to evaluate sandbox prelude").WithCause(err)
	}

	if _, err := i.Eval(renameEntryPoint(stripPackageClause(source))); err != nil {
		return nil, classify(err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	start := time.Now()
	value, err := e.invoke(runCtx, i)
	if err != nil {
		if runCtx.Err() != nil {
			return nil, domain.ErrTimeout(fmt.Sprintf("routine exceeded its %s budget", e.budget))
		}
		return nil, classify(err)
	}
	// The deadline is re-checked once after the routine returns: a
	// result that arrives past the budget is still a timeout.
	if runCtx.Err() != nil {
		return nil, domain.ErrTimeout(fmt.Sprintf("routine exceeded its %s budget", e.budget))
	}

	out, err := documentResult(value)
	if err != nil {
		return nil, err
	}
	if err := validate.Strict(out); err != nil {
		return nil, err
	}

	e.logger.Debug("routine completed",
		slog.String("profile", profileName),
		slog.Duration("duration", time.Since(start)),
		slog.Int("diagnostics", len(rec.diagnostics())))

	return &Result{Document: out, Diagnostics: rec.diagnostics()}, nil
}

// prelude imports the host-provided packages into the interpreter's
// session scope so routines can reference them without import blocks.
const prelude = `
import (
	"subforge/console"
	"subforge/host"
	"subforge/manifest"
)

var (
	_ = console.Log
	_ = host.Profile
	_ = manifest.New
)
`

// hostExports binds the per-invocation host symbols: the manifest
// package, the capturing console proxy, and accessors for the call
// arguments.
func hostExports(rec *recorder, input *manifest.Document, profileName string) interp.Exports {
	return interp.Exports{
		"subforge/manifest/manifest": {
			"Document": reflect.ValueOf((*manifest.Document)(nil)),
			"New":      reflect.ValueOf(manifest.New),
			"Parse":    reflect.ValueOf(manifest.Parse),
		},
		"subforge/console/console": {
			"Log":   reflect.ValueOf(rec.log),
			"Info":  reflect.ValueOf(rec.info),
			"Error": reflect.ValueOf(rec.error),
			"Debug": reflect.ValueOf(rec.debug),
		},
		"subforge/host/host": {
			"Config":  reflect.ValueOf(func() *manifest.Document { return input }),
			"Profile": reflect.ValueOf(func() string { return profileName }),
		},
	}
}

// invoke calls the renamed entry point on its own goroutine so the
// caller regains control at the deadline even while the routine is
// blocked inside a native call. The blocked goroutine is abandoned,
// not killed; its eventual result is dropped.
func (e *Executor) invoke(ctx context.Context, i *interp.Interpreter) (reflect.Value, error) {
	type outcome struct {
		value reflect.Value
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("routine panicked: %v", r)}
			}
		}()
		v, err := i.EvalWithContext(ctx, entryName+"(host.Config(), host.Profile())")
		done <- outcome{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return reflect.Value{}, ctx.Err()
	case res := <-done:
		return res.value, res.err
	}
}

// stripPackageClause removes a leading package clause so the snippet
// evaluates in the interpreter's session scope.
func stripPackageClause(source string) string {
	return packageClausePattern.ReplaceAllString(source, "")
}

// renameEntryPoint rewrites the main declaration to the host-chosen
// entry name.
func renameEntryPoint(source string) string {
	return entryPointPattern.ReplaceAllString(source, "func "+entryName+"(")
}

// checkImports rejects routine imports that reach outside the sandbox.
// Matching is per line on the quoted path, so aliased, blank, and
// block-listed forms are all caught. Scanning stops at the first func
// declaration; string literals in code are not imports.
func checkImports(source string) error {
	for _, line := range strings.Split(source, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "func ") {
			break
		}
		m := importLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if forbiddenImports[m[1]] {
			return domain.NewError(domain.KindScriptRuntime,
				fmt.Sprintf("routine imports forbidden package %q", m[1]))
		}
	}
	return nil
}

// documentResult checks the routine's return value: it must be a
// non-nil manifest document.
func documentResult(value reflect.Value) (*manifest.Document, error) {
	if !value.IsValid() {
		return nil, domain.NewError(domain.KindInvalidReturn, "routine returned no value")
	}
	switch out := value.Interface().(type) {
	case *manifest.Document:
		if out == nil {
			return nil, domain.NewError(domain.KindInvalidReturn, "routine returned a nil manifest")
		}
		return out, nil
	default:
		return nil, domain.NewError(domain.KindInvalidReturn,
			fmt.Sprintf("routine returned %T, want a manifest mapping", out))
	}
}

// classify maps an interpreter failure onto the conversion error
// taxonomy by pattern-matching its message. The interpreter reports
// compilation and execution failures the same way, so message shape is
// the only signal available.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrTimeout("routine exceeded its budget")
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "undefined: ") || strings.Contains(msg, "undefined selector"):
		return domain.NewError(domain.KindUndefinedReference, "routine references an unknown name").WithCause(err)
	case strings.Contains(msg, "cannot call non-function") || strings.Contains(msg, "not a function"):
		return domain.NewError(domain.KindNotCallable, "routine invokes a non-function").WithCause(err)
	case parseErrorPattern.MatchString(msg) || strings.Contains(msg, "syntax error") || strings.Contains(msg, "illegal character"):
		return domain.NewError(domain.KindSyntax, "routine source is malformed").WithCause(err)
	default:
		return domain.NewError(domain.KindScriptRuntime, "routine failed").WithCause(err)
	}
}
