package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v3"

	"github.com/rand/rlmrepl/internal/config"
)

func init() {
	configShowCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	configShowCmd.Flags().BoolP("yaml", "y", false, "Output as YAML")

	configCmd.AddCommand(
		configShowCmd,
		configEditCmd,
		configValidateCmd,
		configPathCmd,
		configSchemaCmd,
	)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  "Commands for managing rlmrepl configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	Long:  "Display the current effective configuration after merging all sources",
	Example: heredoc.Doc(`
		# Show config in human-readable format
		rlmrepl config show

		# Show config as YAML, ready to paste into .rlmrepl.yaml
		rlmrepl config show --yaml
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		asYAML, _ := cmd.Flags().GetBool("yaml")

		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if asJSON {
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			if cfg.Provider.APIKey != "" {
				if data, err = sjson.SetBytes(data, "provider.api_key", maskKey(cfg.Provider.APIKey)); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintln(out, string(data))
			return err
		}
		if asYAML {
			masked := *cfg
			if masked.Provider.APIKey != "" {
				masked.Provider.APIKey = maskKey(masked.Provider.APIKey)
			}
			encoder := yaml.NewEncoder(out)
			encoder.SetIndent(2)
			return encoder.Encode(&masked)
		}

		fmt.Fprintln(out, table("Session", [][2]string{
			{"Provider", cfg.Provider.Name},
			{"API key", maskKey(cfg.Provider.APIKey)},
			{"Model", cfg.ModelName()},
			{"Sub-model", orDefault(cfg.SubModel, "(same as model)")},
			{"Max depth", strconv.Itoa(cfg.MaxDepth)},
			{"Max iterations", strconv.Itoa(cfg.MaxIterations)},
			{"Timeout", orDefault(cfg.SessionTimeout.String(), "none")},
		}))
		fmt.Fprintln(out, table("Environment", [][2]string{
			{"Kind", string(cfg.Env.Kind)},
			{"Socket", orDefault(cfg.Env.Socket.Address, "(spawn worker)")},
			{"Broker", orDefault(cfg.Env.Broker.URL, "-")},
			{"Persistent", strconv.FormatBool(cfg.Persistent)},
			{"Env id", cfg.EnvID},
			{"Store", string(cfg.Store.Kind) + " " + cfg.StorePath()},
		}))
		fmt.Fprintln(out, table("Kernel", [][2]string{
			{"Pull", strconv.FormatBool(cfg.Kernel.PullFromHost)},
			{"Push", strconv.FormatBool(cfg.Kernel.PushToHost)},
			{"Share", strconv.FormatBool(cfg.Kernel.ShareByReference)},
			{"Allowlist", fmt.Sprint(cfg.Kernel.VariableAllowlist)},
		}))
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	Long:  "Open the project configuration file in your default editor, creating it from the defaults if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := ResolveCwd(cmd)
		if err != nil {
			return err
		}
		configPath := filepath.Join(cwd, config.ProjectFile)
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			data, err := yaml.Marshal(config.Default())
			if err != nil {
				return err
			}
			if err := os.WriteFile(configPath, data, 0o644); err != nil {
				return fmt.Errorf("create default config: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Created new config file: %s\n", configPath)
		}

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = os.Getenv("VISUAL")
		}
		if editor == "" {
			editor = "vi"
		}

		execCmd := exec.Command(editor, configPath)
		execCmd.Stdin = os.Stdin
		execCmd.Stdout = os.Stdout
		execCmd.Stderr = os.Stderr
		return execCmd.Run()
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  "Check the configuration for errors and warnings",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			printErr(out, "Configuration error: %v", err)
			return err
		}

		verr := cfg.Validate()
		warnings := cfg.Warnings()
		if verr != nil {
			fmt.Fprintln(out, "Errors:")
			for _, e := range unjoin(verr) {
				printErr(out, "  %v", e)
			}
		}
		if len(warnings) > 0 {
			fmt.Fprintln(out, "Warnings:")
			for _, w := range warnings {
				printWarn(out, "  %s", w)
			}
		}

		switch {
		case verr != nil:
			return fmt.Errorf("configuration has %d error(s)", len(unjoin(verr)))
		case len(warnings) > 0:
			printOK(out, "Configuration is valid with warnings")
		default:
			printOK(out, "Configuration is valid")
		}
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file paths",
	Long:  "Display the paths where configuration files are loaded from",
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := ResolveCwd(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Configuration paths (later entries take precedence):")
		for _, s := range config.Sources(cwd) {
			if s.Loaded {
				printOK(out, "%s  %s", s.Name, s.Path)
			} else {
				printErr(out, "%s  %s", s.Name, s.Path)
			}
		}
		return nil
	},
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of the config file",
	Example: heredoc.Doc(`
		rlmrepl config schema > rlmrepl.schema.json
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.Schema()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	},
}

func maskKey(k string) string {
	switch {
	case k == "":
		return "(from environment)"
	case len(k) > 8:
		return k[:8] + "..."
	default:
		return "***"
	}
}

func orDefault(s, def string) string {
	if s == "" || s == "0s" {
		return def
	}
	return s
}

// unjoin flattens an errors.Join result.
func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
