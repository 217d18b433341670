// Package batch applies the conversion pipeline to many local files.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/subforge/subforge/internal/pipeline"
)

// DefaultSuffix marks converted files written adjacent to their input
// when no output directory is given and overwriting is off.
const DefaultSuffix = "_converted"

// OutputPolicy decides where each converted manifest is written.
// Overwrite replaces the input in place; Dir writes under a directory
// (created if absent); otherwise the output lands next to the input
// with a suffix before the extension.
type OutputPolicy struct {
	Overwrite bool
	Dir       string
	Suffix    string
}

// Outcome is the per-input result record. One bad input never aborts
// the rest of the batch.
type Outcome struct {
	Input  string
	Output string
	Err    error
}

// Success reports whether this input converted cleanly.
func (o Outcome) Success() bool {
	return o.Err == nil
}

// Summary aggregates a batch.
type Summary struct {
	Succeeded int
	Failed    int
}

// Summarize counts successes and failures across outcomes.
func Summarize(outcomes []Outcome) Summary {
	var s Summary
	for _, o := range outcomes {
		if o.Success() {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}

// Runner fans the pipeline out over a glob of manifest files. The
// routine source is read once by the caller and reused for every file.
type Runner struct {
	converter *pipeline.Converter
	logger    *slog.Logger
}

// NewRunner creates a batch runner.
func NewRunner(converter *pipeline.Converter, logger *slog.Logger) *Runner {
	return &Runner{converter: converter, logger: logger}
}

// Run discovers inputs matching pattern and converts each one.
//
// concurrency <= 1 processes files sequentially. Higher values run up
// to that many conversions in flight at once; a finishing conversion
// immediately admits the next queued file. Outcomes are returned in
// input order regardless of completion order.
func (r *Runner) Run(ctx context.Context, pattern, routineSource string, policy OutputPolicy, concurrency int) ([]Outcome, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid input pattern %q: %w", pattern, err)
	}
	files := dedupe(matches)
	if len(files) == 0 {
		return nil, fmt.Errorf("no files match %q", pattern)
	}

	if policy.Dir != "" {
		if err := os.MkdirAll(policy.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	outcomes := make([]Outcome, len(files))

	if concurrency <= 1 {
		for i, file := range files {
			outcomes[i] = r.convertOne(ctx, file, routineSource, policy)
		}
		return outcomes, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			outcomes[i] = r.convertOne(gctx, file, routineSource, policy)
			return nil
		})
	}
	// Workers never return errors; failures are recorded per file.
	g.Wait()

	return outcomes, nil
}

func (r *Runner) convertOne(ctx context.Context, input, routineSource string, policy OutputPolicy) Outcome {
	body, err := r.converter.ConvertLocal(ctx, input, "", routineSource)
	if err != nil {
		r.logger.Error("conversion failed",
			slog.String("input", input),
			slog.String("error", err.Error()))
		return Outcome{Input: input, Err: err}
	}

	output := policy.resolve(input)
	if err := os.WriteFile(output, body, 0o644); err != nil {
		return Outcome{Input: input, Err: fmt.Errorf("failed to write %s: %w", output, err)}
	}

	r.logger.Info("converted",
		slog.String("input", input),
		slog.String("output", output))
	return Outcome{Input: input, Output: output}
}

func (p OutputPolicy) resolve(input string) string {
	if p.Overwrite {
		return input
	}
	if p.Dir != "" {
		return filepath.Join(p.Dir, filepath.Base(input))
	}
	suffix := p.Suffix
	if suffix == "" {
		suffix = DefaultSuffix
	}
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + suffix + ext
}

// dedupe collapses duplicate matches, preserving first-seen order.
func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
