package sandbox

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/subforge/subforge/internal/domain"
	"github.com/subforge/subforge/internal/manifest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testExecutor() *Executor {
	return NewExecutor(testLogger(), 0)
}

func baseManifest() *manifest.Document {
	d := manifest.New()
	d.Set("mode", "rule")
	d.Set("rules", []any{"MATCH,DIRECT"})
	d.Set("port", 7890)
	return d
}

const identityRoutine = `
func main(config *manifest.Document, profileName string) *manifest.Document {
	return config
}
`

func TestRunIdentity(t *testing.T) {
	result, err := testExecutor().Run(context.Background(), baseManifest(), identityRoutine, "home")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if v, _ := result.Document.Get("mode"); v != "rule" {
		t.Errorf("mode = %v, want rule", v)
	}
}

func TestRunReceivesProfileName(t *testing.T) {
	routine := `
func main(config *manifest.Document, profileName string) *manifest.Document {
	config.Set("profile", profileName)
	return config
}
`
	result, err := testExecutor().Run(context.Background(), baseManifest(), routine, "office")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if v, _ := result.Document.Get("profile"); v != "office" {
		t.Errorf("profile = %v, want office", v)
	}
}

func TestRunDeepCopyIsolation(t *testing.T) {
	routine := `
func main(config *manifest.Document, profileName string) *manifest.Document {
	config.Set("mode", "global")
	config.Set("injected", true)
	return config
}
`
	original := baseManifest()
	result, err := testExecutor().Run(context.Background(), original, routine, "p")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// The routine mutated its copy in place...
	if v, _ := result.Document.Get("mode"); v != "global" {
		t.Errorf("result mode = %v, want global", v)
	}
	// ...with no observable effect on the caller's manifest.
	if v, _ := original.Get("mode"); v != "rule" {
		t.Errorf("original mode = %v, want rule", v)
	}
	if _, ok := original.Get("injected"); ok {
		t.Errorf("original manifest gained a key from the routine")
	}
}

func TestRunConstructedDocumentOrder(t *testing.T) {
	// The routine builds its output with rules before mode; the
	// resulting document keeps that construction order.
	routine := `
func main(config *manifest.Document, profileName string) *manifest.Document {
	out := manifest.New()
	existing, _ := config.Get("rules")
	out.Set("rules", append([]any{"DOMAIN,b.example.com,DIRECT"}, existing.([]any)...))
	mode, _ := config.Get("mode")
	out.Set("mode", mode)
	return out
}
`
	src := manifest.New()
	src.Set("mode", "rule")
	src.Set("rules", []any{"DOMAIN,a.example.com,DIRECT"})

	result, err := testExecutor().Run(context.Background(), src, routine, "p")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	keys := result.Document.Keys()
	if len(keys) != 2 || keys[0] != "rules" || keys[1] != "mode" {
		t.Fatalf("Keys() = %v, want [rules mode]", keys)
	}
	rules, _ := result.Document.Get("rules")
	seq := rules.([]any)
	if seq[0] != "DOMAIN,b.example.com,DIRECT" || seq[1] != "DOMAIN,a.example.com,DIRECT" {
		t.Errorf("rules = %v, want prepended order", seq)
	}
}

func TestRunCapturesDiagnostics(t *testing.T) {
	routine := `
func main(config *manifest.Document, profileName string) *manifest.Document {
	console.Log("starting", profileName)
	console.Error("something odd")
	console.Debug("detail")
	return config
}
`
	result, err := testExecutor().Run(context.Background(), baseManifest(), routine, "p")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []Diagnostic{
		{Level: "log", Message: "starting p"},
		{Level: "error", Message: "something odd"},
		{Level: "debug", Message: "detail"},
	}
	if len(result.Diagnostics) != len(want) {
		t.Fatalf("Diagnostics = %v, want %v", result.Diagnostics, want)
	}
	for i := range want {
		if result.Diagnostics[i] != want[i] {
			t.Errorf("Diagnostics[%d] = %v, want %v", i, result.Diagnostics[i], want[i])
		}
	}
}

func TestRunMissingEntryPoint(t *testing.T) {
	routine := `
func transform(config *manifest.Document, profileName string) *manifest.Document {
	return config
}
`
	_, err := testExecutor().Run(context.Background(), baseManifest(), routine, "p")
	if !domain.IsKind(err, domain.KindMissingEntryPoint) {
		t.Errorf("Run() error = %v, want missing entry point", err)
	}
}

func TestRunSyntaxError(t *testing.T) {
	routine := `
func main(config *manifest.Document, profileName string) *manifest.Document {
	return config
`
	_, err := testExecutor().Run(context.Background(), baseManifest(), routine, "p")
	if !domain.IsKind(err, domain.KindSyntax) {
		t.Errorf("Run() error = %v, want syntax error", err)
	}
}

func TestRunUndefinedReference(t *testing.T) {
	routine := `
func main(config *manifest.Document, profileName string) *manifest.Document {
	return frobnicate(config)
}
`
	_, err := testExecutor().Run(context.Background(), baseManifest(), routine, "p")
	if !domain.IsKind(err, domain.KindUndefinedReference) {
		t.Errorf("Run() error = %v, want undefined reference", err)
	}
}

func TestRunNotCallable(t *testing.T) {
	routine := `
func main(config *manifest.Document, profileName string) *manifest.Document {
	x := 42
	return x(config)
}
`
	_, err := testExecutor().Run(context.Background(), baseManifest(), routine, "p")
	if !domain.IsKind(err, domain.KindNotCallable) {
		t.Errorf("Run() error = %v, want not callable", err)
	}
}

func TestRunInvalidReturn(t *testing.T) {
	tests := []struct {
		name    string
		routine string
	}{
		{
			name: "returns a string",
			routine: `
func main(config *manifest.Document, profileName string) string {
	return "nope"
}
`,
		},
		{
			name: "returns nil",
			routine: `
func main(config *manifest.Document, profileName string) *manifest.Document {
	return nil
}
`,
		},
		{
			name: "returns an integer",
			routine: `
func main(config *manifest.Document, profileName string) int {
	return 7
}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testExecutor().Run(context.Background(), baseManifest(), tt.routine, "p")
			if !domain.IsKind(err, domain.KindInvalidReturn) {
				t.Errorf("Run() error = %v, want invalid return", err)
			}
		})
	}
}

func TestRunValidatesOutput(t *testing.T) {
	routine := `
func main(config *manifest.Document, profileName string) *manifest.Document {
	config.Set("port", 70000)
	return config
}
`
	_, err := testExecutor().Run(context.Background(), baseManifest(), routine, "p")
	if !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("Run() error = %v, want validation error", err)
	}
	ce := err.(*domain.ConvertError)
	if ce.Field != "port" {
		t.Errorf("validation error names field %q, want port", ce.Field)
	}
}

func TestRunTimeout(t *testing.T) {
	routine := `
import "time"

func main(config *manifest.Document, profileName string) *manifest.Document {
	time.Sleep(5 * time.Second)
	return config
}
`
	executor := NewExecutor(testLogger(), 100*time.Millisecond)

	start := time.Now()
	_, err := executor.Run(context.Background(), baseManifest(), routine, "p")
	if !domain.IsKind(err, domain.KindTimeout) {
		t.Fatalf("Run() error = %v, want timeout", err)
	}
	// The routine sleeps for 5s inside a native call; Run must come
	// back at the budget, not when the sleep finishes.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Run() blocked for %v, want prompt return on deadline", elapsed)
	}
}

func TestRunForbiddenImport(t *testing.T) {
	tests := []struct {
		name    string
		routine string
	}{
		{
			name: "plain import",
			routine: `
import "os/exec"

func main(config *manifest.Document, profileName string) *manifest.Document {
	exec.Command("true").Run()
	return config
}
`,
		},
		{
			name: "aliased import",
			routine: `
import shell "os/exec"

func main(config *manifest.Document, profileName string) *manifest.Document {
	shell.Command("true").Run()
	return config
}
`,
		},
		{
			name: "aliased in import block",
			routine: `
import (
	x "syscall"
)

func main(config *manifest.Document, profileName string) *manifest.Document {
	_ = x.Getpid()
	return config
}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testExecutor().Run(context.Background(), baseManifest(), tt.routine, "p")
			if !domain.IsKind(err, domain.KindScriptRuntime) {
				t.Errorf("Run() error = %v, want script runtime error", err)
			}
		})
	}
}

func TestRunFailureMessageMentioningExpected(t *testing.T) {
	// A runtime failure whose message happens to contain "expected"
	// must not be mistaken for malformed source.
	routine := `
func main(config *manifest.Document, profileName string) *manifest.Document {
	panic("value was not what we expected")
}
`
	_, err := testExecutor().Run(context.Background(), baseManifest(), routine, "p")
	if !domain.IsKind(err, domain.KindScriptRuntime) {
		t.Errorf("Run() error = %v, want script runtime error", err)
	}
}

func TestRunRuntimeFailure(t *testing.T) {
	routine := `
func main(config *manifest.Document, profileName string) *manifest.Document {
	rules, _ := config.Get("no-such-key")
	return rules.(*manifest.Document)
}
`
	_, err := testExecutor().Run(context.Background(), baseManifest(), routine, "p")
	if err == nil {
		t.Fatalf("Run() succeeded, want an error")
	}
	kind := domain.KindOf(err)
	if kind != domain.KindScriptRuntime && kind != domain.KindInvalidReturn {
		t.Errorf("Run() error kind = %v, want script_runtime or invalid_return", kind)
	}
}

func TestRunStdlibAvailable(t *testing.T) {
	routine := `
import "strings"

func main(config *manifest.Document, profileName string) *manifest.Document {
	config.Set("profile", strings.ToUpper(profileName))
	return config
}
`
	result, err := testExecutor().Run(context.Background(), baseManifest(), routine, "home")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if v, _ := result.Document.Get("profile"); v != "HOME" {
		t.Errorf("profile = %v, want HOME", v)
	}
}

func TestRunStripsPackageClause(t *testing.T) {
	routine := `package transform

func main(config *manifest.Document, profileName string) *manifest.Document {
	return config
}
`
	if _, err := testExecutor().Run(context.Background(), baseManifest(), routine, "p"); err != nil {
		t.Errorf("Run() error = %v, want package clause tolerated", err)
	}
}
