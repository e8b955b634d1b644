package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pasturehq/pasture/pkg/cache"
	"github.com/pasturehq/pasture/pkg/config"
	"github.com/pasturehq/pasture/pkg/modelmanager"
	"github.com/pasturehq/pasture/pkg/pipeline"

	// Register the escalation providers via their init() functions.
	_ "github.com/pasturehq/pasture/pkg/llm/providers"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		logLevel  string
		logFormat string
		cfgPath   string
	)

	root := &cobra.Command{
		Use:   "pasture",
		Short: "Pasture — local-model pipeline orchestrator",
		Long: `Pasture executes declarative DAGs of model-calling and utility steps
against a local inference backend, serializing model access, retrying
transient failures, falling back to alternate models, and repairing
malformed JSON output through a re-prompt loop.`,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initLogger(logLevel, logFormat)
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text, json")
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a JSON or YAML config file (defaults used if omitted)")

	root.AddCommand(runCmd(&cfgPath))
	root.AddCommand(lintCmd())
	root.AddCommand(graphCmd())
	root.AddCommand(cacheCmd(&cfgPath))
	root.AddCommand(workerCmd(&cfgPath))
	root.AddCommand(versionCmd())
	return root
}

// initLogger configures the global slog default handler.
func initLogger(level, format string) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q: use debug, info, warn, or error", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text", "":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unknown log format %q: use text or json", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// ─── run ──────────────────────────────────────────────────────────────────

func runCmd(cfgPath *string) *cobra.Command {
	var (
		inputPath      string
		outputPath     string
		checkpointPath string
	)

	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Execute a pipeline definition and print its PipelineResult as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defPath := args[0]
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}

			def, err := pipeline.Load(defPath)
			if err != nil {
				return err
			}
			pipeline.ApplyStylesheet(def.Steps, def.Stylesheet)
			if lintErr := pipeline.ValidateErr(def.Steps); lintErr != nil {
				return fmt.Errorf("invalid pipeline: %w", lintErr)
			}

			c, err := cache.New(cfg.CacheDir, slog.Default())
			if err != nil {
				return err
			}
			mm := modelmanager.New(cfg, c, slog.Default())
			defer mm.Close()

			p, err := pipeline.Build(def, mm, cfg)
			if err != nil {
				return fmt.Errorf("build pipeline: %w", err)
			}
			p.CheckpointPath = checkpointPath

			input, err := loadInput(inputPath)
			if err != nil {
				return err
			}

			ctx := signalContext(cmd.Context())
			result := p.Run(ctx, input)

			return writeResult(outputPath, result)
		},
	}

	cmd.Flags().StringVar(&inputPath, "input", "", "path to a JSON object file used as the pipeline's initial input (default: empty input)")
	cmd.Flags().StringVar(&outputPath, "output", "", "write the PipelineResult JSON here instead of stdout")
	cmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "path to write a per-step checkpoint JSON (optional)")
	return cmd
}

// ─── lint ─────────────────────────────────────────────────────────────────

func lintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint <pipeline.yaml>",
		Short: "Validate a pipeline definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			def, err := pipeline.Load(args[0])
			if err != nil {
				return err
			}
			pipeline.ApplyStylesheet(def.Steps, def.Stylesheet)
			if lintErr := pipeline.ValidateErr(def.Steps); lintErr != nil {
				return lintErr
			}
			fmt.Printf("OK: pipeline %q is valid (%d steps)\n", def.Name, len(def.Steps))
			return nil
		},
	}
	return cmd
}

// ─── version ──────────────────────────────────────────────────────────────

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		RunE: func(_ *cobra.Command, _ []string) error {
			info, ok := debug.ReadBuildInfo()
			if !ok {
				fmt.Println("pasture (build info unavailable)")
				return nil
			}

			version := info.Main.Version
			if version == "" || version == "(devel)" {
				version = "dev"
			}

			var revision, buildTime string
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					revision = s.Value
					if len(revision) > 12 {
						revision = revision[:12]
					}
				case "vcs.time":
					buildTime = s.Value
				}
			}

			fmt.Printf("pasture %s\n", version)
			fmt.Printf("  module:  %s\n", info.Main.Path)
			fmt.Printf("  go:      %s\n", info.GoVersion)
			if revision != "" {
				fmt.Printf("  commit:  %s\n", revision)
			}
			if buildTime != "" {
				fmt.Printf("  built:   %s\n", buildTime)
			}
			return nil
		},
	}
}

// ─── helpers ────────────────────────────────────────────────────────────────

func loadConfig(path string) (config.Config, error) {
	cfg := config.Load(path, slog.Default())
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("config_invalid: %w", err)
	}
	return cfg, nil
}

func loadInput(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("--input: read %q: %w", path, err)
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("--input %q: invalid JSON object: %w", path, err)
	}
	return input, nil
}

func writeResult(path string, result pipeline.Result) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pipeline result: %w", err)
	}
	if path == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write output %q: %w", path, err)
	}
	slog.Info("pipeline result written", "path", path)
	return nil
}

// signalContext returns a context that is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-ch:
			fmt.Fprintln(os.Stderr, "\n[pasture] interrupted — cancelling pipeline")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
