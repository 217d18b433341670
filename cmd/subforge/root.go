package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/subforge/subforge/internal/batch"
	"github.com/subforge/subforge/internal/cache"
	"github.com/subforge/subforge/internal/fetch"
	"github.com/subforge/subforge/internal/pipeline"
	"github.com/subforge/subforge/internal/sandbox"
)

const version = "1.0.0"

func newRootCommand() *cobra.Command {
	var (
		inputFlag       string
		scriptFlag      string
		outputFlag      string
		outputDirFlag   string
		nameFlag        string
		overwriteFlag   bool
		concurrencyFlag int
		verboseFlag     bool
	)

	rootCmd := &cobra.Command{
		Use:           "subforge",
		Short:         "Convert proxy subscription manifests with a transformation routine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if verboseFlag {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: level,
			}))

			routineSource, err := os.ReadFile(scriptFlag)
			if err != nil {
				return fmt.Errorf("failed to read routine: %w", err)
			}

			converter, err := newConverter(logger)
			if err != nil {
				return err
			}

			if isGlob(inputFlag) {
				return runBatch(cmd, converter, logger, inputFlag, string(routineSource),
					batch.OutputPolicy{Overwrite: overwriteFlag, Dir: outputDirFlag}, concurrencyFlag)
			}
			return runSingle(cmd, converter, inputFlag, nameFlag, outputFlag, outputDirFlag,
				overwriteFlag, string(routineSource))
		},
	}

	rootCmd.Flags().StringVarP(&inputFlag, "input", "i", "", "Manifest file path or glob pattern (required)")
	rootCmd.Flags().StringVarP(&scriptFlag, "script", "s", "", "Transformation routine path (required)")
	rootCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Output file path (single-file mode)")
	rootCmd.Flags().StringVar(&outputDirFlag, "output-dir", "", "Directory to write converted manifests into")
	rootCmd.Flags().StringVarP(&nameFlag, "name", "n", "", "Profile name (defaults to the input's base file name)")
	rootCmd.Flags().BoolVar(&overwriteFlag, "overwrite", false, "Overwrite the input file in place")
	rootCmd.Flags().IntVar(&concurrencyFlag, "concurrency", 1, "Maximum conversions in flight in batch mode")
	rootCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose logging")
	rootCmd.MarkFlagRequired("input")
	rootCmd.MarkFlagRequired("script")

	return rootCmd
}

// newConverter builds a local-only pipeline: the CLI reads manifests
// from disk, so the fetcher's cache lives in a throwaway dir.
func newConverter(logger *slog.Logger) (*pipeline.Converter, error) {
	store, err := cache.NewStore(filepath.Join(os.TempDir(), "subforge-cli-cache"), logger)
	if err != nil {
		return nil, err
	}
	fetcher := fetch.New(store, logger)
	executor := sandbox.NewExecutor(logger, 0)
	return pipeline.NewConverter(fetcher, executor, logger, ""), nil
}

func runSingle(cmd *cobra.Command, converter *pipeline.Converter, input, name, output, outputDir string, overwrite bool, routineSource string) error {
	body, err := converter.ConvertLocal(cmd.Context(), input, name, routineSource)
	if err != nil {
		return err
	}

	target := output
	switch {
	case target != "":
	case overwrite:
		target = input
	case outputDir != "":
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		target = filepath.Join(outputDir, filepath.Base(input))
	default:
		ext := filepath.Ext(input)
		target = strings.TrimSuffix(input, ext) + batch.DefaultSuffix + ext
	}

	if err := os.WriteFile(target, body, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "converted %s -> %s\n", input, target)
	return nil
}

func runBatch(cmd *cobra.Command, converter *pipeline.Converter, logger *slog.Logger, pattern, routineSource string, policy batch.OutputPolicy, concurrency int) error {
	runner := batch.NewRunner(converter, logger)
	outcomes, err := runner.Run(cmd.Context(), pattern, routineSource, policy, concurrency)
	if err != nil {
		return err
	}

	for _, outcome := range outcomes {
		if outcome.Success() {
			fmt.Fprintf(cmd.OutOrStdout(), "ok    %s -> %s\n", outcome.Input, outcome.Output)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "fail  %s: %v\n", outcome.Input, outcome.Err)
		}
	}

	summary := batch.Summarize(outcomes)
	fmt.Fprintf(cmd.OutOrStdout(), "%d succeeded, %d failed\n", summary.Succeeded, summary.Failed)
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d inputs failed", summary.Failed, len(outcomes))
	}
	return nil
}

func isGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}
