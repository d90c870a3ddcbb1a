package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rand/rlmrepl/internal/config"
	"github.com/rand/rlmrepl/internal/rlm/client"
	"github.com/rand/rlmrepl/internal/rlm/env"
	"github.com/rand/rlmrepl/internal/rlm/kernel"
	"github.com/rand/rlmrepl/internal/rlm/orchestrator"
	"github.com/rand/rlmrepl/internal/rlm/router"
)

// cellSeparator splits cells read from stdin.
const cellSeparator = "%%"

func init() {
	kernelCmd.Flags().StringArrayP("exec", "x", nil, "Cell to run (repeatable); stdin is read when none are given")
	kernelCmd.Flags().StringArray("set", nil, "Host variable as name=json (repeatable)")
	kernelCmd.Flags().Bool("push", false, "Copy changed variables to the host after each cell")
	kernelCmd.Flags().Bool("pull", false, "Copy host variables into the REPL before each cell")
	kernelCmd.Flags().Bool("share", false, "Alias host values into the REPL")
	kernelCmd.Flags().StringSlice("allow", nil, "Glob patterns limiting pulled host variables")
	kernelCmd.Flags().Bool("host", true, "Print the host namespace as JSON when done")
}

var kernelCmd = &cobra.Command{
	Use:   "kernel",
	Short: "Run cells in a REPL synchronized with a host namespace",
	Long: heredoc.Doc(`
		Run cells in an in-process REPL bridged to a host namespace, the way a
		notebook kernel would embed it. Variables move between the two according
		to kernel.* in the configuration or the flags below:

		  --pull   host variables are copied in before each cell
		  --push   variables a cell defines or changes are copied out after it
		  --share  host objects are aliased, so mutations show on both sides

		Cells are given with -x, or read from stdin separated by lines of %%.
		llm_query and rlm_query work when a provider is configured.
	`),
	Example: heredoc.Doc(`
		# Seed the host, pull it in, push results back out
		rlmrepl kernel --set 'rows=[1,2,3]' --pull --push -x 'var total = rows.reduce((a, b) => a + b, 0)'

		# Share by reference
		rlmrepl kernel --share --set 'data={"count":1}' -x 'data.count++'

		# Cells from a file
		rlmrepl kernel --push < cells.js
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := applyKernelFlags(cmd, cfg); err != nil {
			return err
		}
		cfg, logger, cleanup, err := finishSetup(cmd, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		host := kernel.NewNamespace(nil)
		sets, _ := cmd.Flags().GetStringArray("set")
		for _, kv := range sets {
			name, v, err := parseAssignment(kv)
			if err != nil {
				return err
			}
			host.Set(name, v)
		}

		cells, _ := cmd.Flags().GetStringArray("exec")
		if len(cells) == 0 {
			if cells, err = readCells(cmd.InOrStdin()); err != nil {
				return err
			}
		}

		c, err := newCompletionClient(cfg)
		if err != nil {
			logger.Debug("No completion client; sub-calls will fail", "error", err)
			c = unavailableClient(err)
		}
		o, err := orchestrator.New(orchestratorConfig(cfg, c, env.Spec{Kind: env.KindDirect, BatchConcurrency: cfg.Env.BatchConcurrency, Logger: logger}, logger))
		if err != nil {
			return err
		}
		h := o.Router().Bind(router.CallContext{SessionID: "kernel-" + uuid.NewString()[:8]})
		d := env.NewDirect(env.DirectConfig{Handler: h, BatchConcurrency: cfg.Env.BatchConcurrency, Logger: logger})
		b, err := kernel.NewBridge(d, host, cfg.Kernel, logger)
		if err != nil {
			return err
		}
		defer b.Teardown(context.WithoutCancel(cmd.Context()))

		out := cmd.OutOrStdout()
		for i, cell := range cells {
			res, err := b.Execute(cmd.Context(), cell, nil)
			if res != nil {
				io.WriteString(out, res.Stdout)
				if res.Stderr != "" {
					printErr(cmd.ErrOrStderr(), "cell %d: %s", i+1, strings.TrimSpace(res.Stderr))
				}
				if res.Final != nil {
					printOK(cmd.ErrOrStderr(), "cell %d reported a final answer", i+1)
				}
			}
			if err != nil {
				return fmt.Errorf("cell %d: %w", i+1, err)
			}
		}

		if show, _ := cmd.Flags().GetBool("host"); show {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(host.Vars())
		}
		return nil
	},
}

func applyKernelFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if v, _ := f.GetBool("push"); v {
		cfg.Kernel.PushToHost = true
	}
	if v, _ := f.GetBool("pull"); v {
		cfg.Kernel.PullFromHost = true
	}
	if v, _ := f.GetBool("share"); v {
		cfg.Kernel.ShareByReference = true
	}
	if v, _ := f.GetStringSlice("allow"); len(v) > 0 {
		cfg.Kernel.VariableAllowlist = v
	}
	// The kernel always runs in process.
	cfg.Env.Kind = env.KindDirect
	return nil
}

// parseAssignment splits name=json. A value that is not JSON is taken
// as a string.
func parseAssignment(s string) (string, any, error) {
	name, raw, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return "", nil, fmt.Errorf("invalid --set %q: want name=value", s)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return name, raw, nil
	}
	return name, v, nil
}

// readCells splits r into cells at separator lines and drops empty cells.
func readCells(r io.Reader) ([]string, error) {
	if f, ok := r.(*os.File); ok {
		if fi, err := f.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
			return nil, errors.New("no cells: pass -x or pipe cells on stdin")
		}
	}
	var (
		cells []string
		cur   strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			cells = append(cells, s)
		}
		cur.Reset()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == cellSeparator {
			flush()
			continue
		}
		cur.WriteString(sc.Text())
		cur.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read cells: %w", err)
	}
	flush()
	return cells, nil
}

func unavailableClient(cause error) client.Client {
	return client.Func(func(context.Context, client.Request) (*client.Response, error) {
		return nil, fmt.Errorf("no completion provider: %w", cause)
	})
}
