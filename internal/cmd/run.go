package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/rand/rlmrepl/internal/config"
	"github.com/rand/rlmrepl/internal/rlm/client"
	"github.com/rand/rlmrepl/internal/rlm/env"
	"github.com/rand/rlmrepl/internal/rlm/orchestrator"
	"github.com/rand/rlmrepl/internal/rlm/state"
)

func init() {
	runCmd.Flags().String("context-file", "", "File bound as the context variable (JSON is decoded, anything else is a string)")
	runCmd.Flags().StringP("model", "m", "", "Root model")
	runCmd.Flags().Int("max-depth", -1, "Nested session depth limit")
	runCmd.Flags().Int("max-iterations", 0, "Iteration limit for the root session")
	runCmd.Flags().StringP("env", "e", "", "Execution environment (direct, socket, broker)")
	runCmd.Flags().BoolP("persistent", "p", false, "Persist the root namespace between runs")
	runCmd.Flags().String("env-id", "", "Persisted namespace identifier")
	runCmd.Flags().BoolP("json", "j", false, "Print the whole session as JSON")
	runCmd.Flags().BoolP("stats", "s", false, "Print session statistics to stderr")
	runCmd.Flags().BoolP("quiet", "q", false, "Suppress progress output")
}

// newCompletionClient builds the completion client from configuration.
var newCompletionClient = func(cfg *config.Config) (client.Client, error) {
	p, err := client.NewProvider(cfg.ProviderSpec())
	if err != nil {
		return nil, err
	}
	return client.NewFantasy(client.FantasyConfig{Provider: p, Model: cfg.ModelName(), MaxTokens: cfg.MaxTokens})
}

var runCmd = &cobra.Command{
	Use:   "run [task...]",
	Short: "Answer a task with a recursive REPL session",
	Long: heredoc.Doc(`
		Run a root session on the task. The model writes code that runs in the
		configured environment, sees its output, and iterates until it reports
		FINAL(answer) or runs out of iterations.

		The task can be given as arguments, piped on stdin, or both.
	`),
	Example: heredoc.Doc(`
		# Answer a question
		rlmrepl run "How many primes are below 10000?"

		# Analyze a file bound as the context variable
		rlmrepl run --context-file data.json "Summarize the records"

		# Keep variables between runs
		rlmrepl run -p --env-id notebook "Load the dataset into rows"
		rlmrepl run -p --env-id notebook "Count rows with errors"

		# Run code in a socket worker with two levels of nesting
		rlmrepl run -e socket --max-depth 2 "Split the problem and solve each part"
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := applyRunFlags(cmd, cfg); err != nil {
			return err
		}
		cfg, logger, cleanup, err := finishSetup(cmd, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		asJSON, _ := cmd.Flags().GetBool("json")
		showStats, _ := cmd.Flags().GetBool("stats")
		quiet, _ := cmd.Flags().GetBool("quiet")

		prompt, err := MaybePrependStdin(cmd.InOrStdin(), strings.Join(args, " "))
		if err != nil {
			slog.Error("Failed to read from stdin", "error", err)
			return err
		}
		if prompt == "" {
			return errors.New("no task provided")
		}

		task := orchestrator.Task{Prompt: prompt}
		if path, _ := cmd.Flags().GetString("context-file"); path != "" {
			if task.Context, err = readContext(path); err != nil {
				return err
			}
		}

		c, err := newCompletionClient(cfg)
		if err != nil {
			return fmt.Errorf("completion client: %w", err)
		}

		var store *state.Store
		if cfg.Persistent {
			store, err = env.OpenStore(cmd.Context(), cfg.StoreSpec(logger))
			if err != nil {
				return err
			}
			defer store.Close()
		}

		o, err := orchestrator.New(orchestratorConfig(cfg, c, cfg.EnvSpec(store, logger), logger))
		if err != nil {
			return err
		}

		if !quiet {
			fmt.Fprintf(cmd.ErrOrStderr(), "Running on %s environment (max depth %d)...\n", cfg.Env.Kind, cfg.MaxDepth)
		}
		s, runErr := o.Run(cmd.Context(), task)

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(sessionOutput{Session: s, Error: errString(runErr), Stats: s.Stats()}); err != nil {
				return err
			}
		} else if s.Answer != "" {
			fmt.Fprintln(out, s.Answer)
		}

		if showStats {
			printSessionStats(cmd, s, o)
		}
		if s.Status == orchestrator.StatusExhausted && !quiet {
			printWarn(cmd.ErrOrStderr(), "iteration limit reached after %d iterations; the answer is a best effort", len(s.Iterations))
		}
		if runErr != nil {
			return fmt.Errorf("session %s failed: %w", s.ID, runErr)
		}
		return nil
	},
}

type sessionOutput struct {
	*orchestrator.Session
	Error string                    `json:"error,omitempty"`
	Stats orchestrator.SessionStats `json:"stats"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if v, _ := f.GetString("model"); v != "" {
		cfg.Model = v
	}
	if v, _ := f.GetInt("max-depth"); v >= 0 {
		cfg.MaxDepth = v
	}
	if v, _ := f.GetInt("max-iterations"); v > 0 {
		cfg.MaxIterations = v
	}
	if v, _ := f.GetString("env"); v != "" {
		cfg.Env.Kind = env.Kind(v)
	}
	if v, _ := f.GetBool("persistent"); v {
		cfg.Persistent = true
	}
	if v, _ := f.GetString("env-id"); v != "" {
		cfg.EnvID = v
	}
	return nil
}

// orchestratorConfig maps configuration onto the orchestrator.
func orchestratorConfig(cfg *config.Config, c client.Client, spec env.Spec, logger *slog.Logger) orchestrator.Config {
	return orchestrator.Config{
		Client:              c,
		Model:               cfg.ModelName(),
		SubModel:            cfg.SubModel,
		MaxTokens:           cfg.MaxTokens,
		MaxDepth:            cfg.MaxDepth,
		MaxIterations:       cfg.MaxIterations,
		NestedMaxIterations: cfg.NestedMaxIterations,
		MaxOutputChars:      cfg.MaxOutputChars,
		SessionTimeout:      cfg.SessionTimeout,
		DisableBestEffort:   cfg.DisableBestEffort,
		Env:                 spec,
		Limits:              cfg.Budget,
		Logger:              logger,
	}
}

// readContext decodes a JSON file, falling back to its text.
func readContext(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read context: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		return v, nil
	}
	return string(data), nil
}

func printSessionStats(cmd *cobra.Command, s *orchestrator.Session, o *orchestrator.Orchestrator) {
	st := s.Stats()
	rs := o.Router().Stats()
	rows := [][2]string{
		{"Session", s.ID},
		{"Status", string(s.Status)},
		{"Iterations", fmt.Sprintf("%d / %d", st.Iterations, s.MaxIterations)},
		{"Code blocks", strconv.Itoa(st.CodeBlocks)},
		{"Exec errors", strconv.Itoa(st.Errors)},
		{"Sub-calls", fmt.Sprintf("%d (%d direct, %d nested)", rs.Calls, rs.DirectCalls, rs.LoopCalls)},
		{"Duration", st.Duration.Round(time.Millisecond).String()},
	}
	fmt.Fprintln(cmd.ErrOrStderr(), table("Session", rows))
	fmt.Fprintln(cmd.ErrOrStderr(), o.Report().Detailed())
}
