// Package cmd implements the rlmrepl command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/MakeNowJust/heredoc"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/rand/rlmrepl/internal/config"
	"github.com/rand/rlmrepl/internal/logging"
)

func init() {
	rootCmd.PersistentFlags().StringP("cwd", "c", "", "Current working directory")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug logging")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (text, json)")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to a rotating file instead of stderr")

	rootCmd.AddCommand(
		runCmd,
		workerCmd,
		sandboxCmd,
		stateCmd,
		kernelCmd,
		configCmd,
	)
}

var rootCmd = &cobra.Command{
	Use:   "rlmrepl",
	Short: "Recursive language model REPL orchestrator",
	Long: heredoc.Doc(`
		rlmrepl answers a task by letting a model write JavaScript that runs in a
		persistent REPL. Code can call back into models with llm_query, or hand a
		sub-task to a nested session with rlm_query, until the model reports a
		final answer.

		Code runs in-process (direct), in a worker reached over a socket (socket),
		or in a sandbox reached through an HTTP broker (broker).
	`),
	SilenceUsage: true,
}

// Execute runs the root command until it finishes or a signal arrives.
func Execute(version string) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := fang.Execute(ctx, rootCmd, fang.WithVersion(version)); err != nil {
		os.Exit(1)
	}
}

// ResolveCwd returns the --cwd flag, or the process working directory.
func ResolveCwd(cmd *cobra.Command) (string, error) {
	cwd, _ := cmd.Flags().GetString("cwd")
	if cwd != "" {
		abs, err := filepath.Abs(cwd)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", cwd, err)
		}
		return abs, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}
	return cwd, nil
}

// loadConfig loads the effective configuration and applies the global
// flags on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, []config.Source, error) {
	cwd, err := ResolveCwd(cmd)
	if err != nil {
		return nil, nil, err
	}
	cfg, sources, err := config.Load(cwd)
	if err != nil {
		return nil, sources, fmt.Errorf("load config: %w", err)
	}

	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Log.Level = "debug"
	}
	if f, _ := cmd.Flags().GetString("log-format"); f != "" {
		cfg.Log.Format = f
	}
	if f, _ := cmd.Flags().GetString("log-file"); f != "" {
		cfg.Log.File = f
	}
	return cfg, sources, nil
}

// setup loads and validates the configuration and installs the logger.
// The returned cleanup closes the log file.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, func(), error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	return finishSetup(cmd, cfg)
}

func finishSetup(cmd *cobra.Command, cfg *config.Config) (*config.Config, *slog.Logger, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	l, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, nil, err
	}
	slog.SetDefault(l.Logger)
	return cfg, l.Logger, func() { _ = l.Close() }, nil
}

// MaybePrependStdin prepends piped input to prompt. A terminal on stdin
// is left alone.
func MaybePrependStdin(stdin io.Reader, prompt string) (string, error) {
	if f, ok := stdin.(*os.File); ok {
		fi, err := f.Stat()
		if err != nil {
			return prompt, err
		}
		if fi.Mode()&os.ModeCharDevice != 0 {
			return prompt, nil
		}
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return prompt, err
	}
	piped := strings.TrimSpace(string(data))
	if piped == "" {
		return prompt, nil
	}
	if prompt == "" {
		return piped, nil
	}
	return piped + "\n\n" + prompt, nil
}
