// Package pipeline composes the conversion steps: fetch, parse, loose
// validation, sandboxed transformation, and serialization. Every step
// is a hard stop; no partial manifest is ever surfaced.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/subforge/subforge/internal/domain"
	"github.com/subforge/subforge/internal/fetch"
	"github.com/subforge/subforge/internal/manifest"
	"github.com/subforge/subforge/internal/sandbox"
	"github.com/subforge/subforge/internal/validate"
)

// DefaultFileName names artifacts converted without a profile name.
const DefaultFileName = "config.yaml"

// Converter orchestrates single conversions, remote or local.
type Converter struct {
	fetcher  *fetch.Fetcher
	executor *sandbox.Executor
	logger   *slog.Logger
	tmpDir   string
}

// NewConverter creates a converter. tmpDir is where artifacts are
// staged; empty selects the system temp directory.
func NewConverter(fetcher *fetch.Fetcher, executor *sandbox.Executor, logger *slog.Logger, tmpDir string) *Converter {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return &Converter{
		fetcher:  fetcher,
		executor: executor,
		logger:   logger,
		tmpDir:   tmpDir,
	}
}

// Convert fetches the manifest at url, runs the routine against it,
// and stages the rewritten manifest as a consume-once artifact.
func (c *Converter) Convert(ctx context.Context, url, profileName, routineSource string, allowCacheFallback bool) (*Artifact, error) {
	start := time.Now()

	fetched, err := c.fetcher.Fetch(ctx, url, allowCacheFallback)
	if err != nil {
		return nil, withSource(err, url)
	}

	body, err := c.transform(ctx, fetched.Body, profileName, routineSource, url)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(c.tmpDir, "subforge-*.yaml")
	if err != nil {
		return nil, domain.NewError(domain.KindScriptRuntime, "failed to stage artifact").WithSource(url).WithCause(err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, domain.NewError(domain.KindScriptRuntime, "failed to write artifact").WithSource(url).WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, domain.NewError(domain.KindScriptRuntime, "failed to write artifact").WithSource(url).WithCause(err)
	}

	fileName := DefaultFileName
	if profileName != "" {
		fileName = profileName + ".yaml"
	}

	c.logger.Info("conversion complete",
		slog.String("url", url),
		slog.String("profile", profileName),
		slog.Bool("from_cache", fetched.FromCache),
		slog.Duration("duration", time.Since(start)))

	return &Artifact{
		FileName: fileName,
		Metadata: fetched.Metadata,
		path:     tmp.Name(),
	}, nil
}

// ConvertLocal runs the pipeline against a manifest read from local
// storage instead of the network. An empty profileName defaults to the
// file's base name. Used by the batch runner and the CLI.
func (c *Converter) ConvertLocal(ctx context.Context, path, profileName, routineSource string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewError(domain.KindDownload, "failed to read manifest file").WithSource(path).WithCause(err)
	}
	if profileName == "" {
		profileName = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return c.transform(ctx, raw, profileName, routineSource, path)
}

// transform is the shared middle of the pipeline: parse, loose
// validation, sandboxed execution (which strict-validates its own
// output), and serialization in the routine's key order.
func (c *Converter) transform(ctx context.Context, raw []byte, profileName, routineSource, source string) ([]byte, error) {
	doc, err := manifest.Parse(raw)
	if err != nil {
		if errors.Is(err, manifest.ErrNotMapping) {
			return nil, domain.ErrShape(err.Error()).WithSource(source)
		}
		return nil, domain.ErrManifestParse(err).WithSource(source)
	}
	if err := validate.Loose(doc); err != nil {
		return nil, withSource(err, source)
	}

	result, err := c.executor.Run(ctx, doc, routineSource, profileName)
	if err != nil {
		return nil, withSource(err, source)
	}
	// Diagnostics were mirrored to the process log as they were
	// produced; the orchestrator drops them here.

	body, err := manifest.Serialize(result.Document)
	if err != nil {
		return nil, domain.NewError(domain.KindScriptRuntime, "failed to serialize manifest").WithSource(source).WithCause(err)
	}
	return body, nil
}

// withSource stamps the conversion source onto an error that does not
// already carry one.
func withSource(err error, source string) error {
	var ce *domain.ConvertError
	if errors.As(err, &ce) && ce.Source == "" {
		ce.Source = source
	}
	return err
}
