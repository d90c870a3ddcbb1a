package cmd

import (
	"errors"
	"fmt"
	"net"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rand/rlmrepl/internal/rlm/broker"
)

func init() {
	sandboxServeCmd.Flags().StringP("listen", "l", "", "Listen address (default from sandbox.listen)")
	sandboxServeCmd.Flags().Bool("with-executor", false, "Also run an executor in this process")

	sandboxExecCmd.Flags().StringP("broker", "b", "", "Broker base URL (default from env.broker.url)")

	sandboxCmd.AddCommand(
		sandboxServeCmd,
		sandboxExecCmd,
	)
}

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Broker and executor for the broker environment",
	Long: heredoc.Doc(`
		The broker environment never connects to the sandbox. The orchestrator
		submits code to a broker over HTTP; an executor inside the sandbox claims
		it, runs it, and posts sub-calls back to the broker for the orchestrator
		to answer.
	`),
}

var sandboxServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP broker",
	Example: heredoc.Doc(`
		# Broker only; executors connect from the sandbox
		rlmrepl sandbox serve --listen 0.0.0.0:8787

		# Broker and executor in one process, for local testing
		rlmrepl sandbox serve --with-executor
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = cfg.Sandbox.Listen
		}
		withExec, _ := cmd.Flags().GetBool("with-executor")

		ln, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", listen, err)
		}
		srv := broker.NewServer(cfg.QueueConfig(), logger)

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error { return srv.Serve(ctx, ln) })
		if withExec {
			url := "http://" + ln.Addr().String()
			exec := broker.NewExecutor(broker.NewClient(url, nil), cfg.ExecutorConfig(logger))
			g.Go(func() error { return exec.Run(ctx) })
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Broker listening on http://%s\n", ln.Addr())
		return g.Wait()
	},
}

var sandboxExecCmd = &cobra.Command{
	Use:   "exec",
	Short: "Run an executor that claims jobs from a broker",
	Example: heredoc.Doc(`
		# Inside the sandbox
		rlmrepl sandbox exec --broker http://host.internal:8787
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		url, _ := cmd.Flags().GetString("broker")
		if url == "" {
			url = cfg.Env.Broker.URL
		}
		if url == "" {
			return errors.New("no broker URL: pass --broker or set env.broker.url")
		}

		exec := broker.NewExecutor(broker.NewClient(url, nil), cfg.ExecutorConfig(logger))
		logger.Info("Executor started", "broker", url)
		return exec.Run(cmd.Context())
	},
}
