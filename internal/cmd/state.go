package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/rand/rlmrepl/internal/rlm/env"
	"github.com/rand/rlmrepl/internal/rlm/state"
)

func init() {
	stateListCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	stateShowCmd.Flags().BoolP("json", "j", false, "Output the raw record as JSON")

	stateCmd.AddCommand(
		stateListCmd,
		stateShowCmd,
		stateDeleteCmd,
	)
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect persisted REPL namespaces",
	Long:  "Commands for the state store that keeps persistent environments between runs",
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted environment ids",
	Example: heredoc.Doc(`
		rlmrepl state list
		rlmrepl state list --json
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		store, cleanup, err := openStateStore(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ids, err := store.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("list state: %w", err)
		}

		type entry struct {
			EnvID     string    `json:"env_id"`
			Variables int       `json:"variables"`
			UpdatedAt time.Time `json:"updated_at"`
		}
		entries := make([]entry, 0, len(ids))
		for _, id := range ids {
			rec, err := store.Load(cmd.Context(), id)
			if err != nil {
				slog.Warn("Skipping unreadable state", "env_id", id, "error", err)
				continue
			}
			entries = append(entries, entry{EnvID: id, Variables: rec.Snapshot.Len(), UpdatedAt: rec.UpdatedAt})
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(out, "No persisted environments.")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%-32s %4d vars  %s\n", e.EnvID, e.Variables, e.UpdatedAt.Local().Format(time.DateTime))
		}
		return nil
	},
}

var stateShowCmd = &cobra.Command{
	Use:   "show <env-id>",
	Short: "Show the variables of a persisted environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		store, cleanup, err := openStateStore(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		rec, err := store.Load(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("load %s: %w", args[0], err)
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		}

		rows := [][2]string{
			{"Updated", rec.UpdatedAt.Local().Format(time.DateTime)},
			{"Format", rec.Format + " v" + strconv.Itoa(rec.Version)},
		}
		for _, name := range rec.Snapshot.Names() {
			rows = append(rows, [2]string{name, describeVariable(rec.Snapshot.Vars[name])})
		}
		fmt.Fprintln(out, table(rec.EnvID, rows))
		for _, f := range rec.Snapshot.Failures() {
			printWarn(out, "%s", f.Error())
		}
		return nil
	},
}

var stateDeleteCmd = &cobra.Command{
	Use:   "delete <env-id>...",
	Short: "Delete persisted environments",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := openStateStore(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		var errs []error
		for _, id := range args {
			if err := store.Delete(cmd.Context(), id); err != nil {
				printErr(cmd.ErrOrStderr(), "%s: %v", id, err)
				errs = append(errs, err)
				continue
			}
			printOK(cmd.OutOrStdout(), "deleted %s", id)
		}
		return errors.Join(errs...)
	},
}

// describeVariable summarizes a stored variable on one line.
func describeVariable(v state.Variable) string {
	switch v.Kind {
	case state.KindFunction:
		return "function, " + strconv.Itoa(len(v.Source)) + " bytes of source"
	case state.KindUndefined:
		return "undefined"
	case state.KindDate:
		return "date " + string(v.Data)
	}
	preview := string(v.Data)
	if len(preview) > 60 {
		preview = preview[:57] + "..."
	}
	if v.Type != "" {
		return v.Type + " " + preview
	}
	return preview
}

// openStateStore opens the configured state store for CLI commands.
func openStateStore(cmd *cobra.Command) (*state.Store, func(), error) {
	cfg, logger, cleanupLog, err := setup(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := env.OpenStore(cmd.Context(), cfg.StoreSpec(logger))
	if err != nil {
		cleanupLog()
		return nil, nil, err
	}
	return store, func() {
		store.Close()
		cleanupLog()
	}, nil
}
