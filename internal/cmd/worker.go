package cmd

import (
	"fmt"
	"net"
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/rand/rlmrepl/internal/rlm/env"
)

func init() {
	workerCmd.Flags().StringP("listen", "l", "", "Address to listen on (unix:/path or tcp:host:port)")
	_ = workerCmd.MarkFlagRequired("listen")
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve REPL executions over a socket",
	Long: heredoc.Doc(`
		Run a REPL worker for the socket environment. Each connection gets its
		own namespace, which lives as long as the connection. Sub-calls raised by
		code are sent back over the connection and answered by the orchestrator.

		Once listening, the worker prints one JSON ready line on stdout. The
		socket environment starts workers itself when no address is configured.
	`),
	Example: heredoc.Doc(`
		# Serve on a unix socket
		rlmrepl worker --listen unix:/tmp/rlmrepl.sock

		# Serve on loopback TCP and point the orchestrator at it
		rlmrepl worker --listen tcp:127.0.0.1:7070
		rlmrepl run -e socket "..."   # with env.socket.address: tcp:127.0.0.1:7070
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		listen, _ := cmd.Flags().GetString("listen")
		network, addr := env.ParseAddress(listen)
		if network == "unix" {
			_ = os.Remove(addr)
			defer os.Remove(addr)
		}
		ln, err := net.Listen(network, addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", listen, err)
		}

		w := env.NewWorker(ln, env.WorkerConfig{BatchConcurrency: cfg.Env.BatchConcurrency, Logger: logger})
		if err := w.AnnounceReady(cmd.OutOrStdout()); err != nil {
			ln.Close()
			return err
		}
		logger.Info("Worker listening", "address", env.FormatAddress(w.Addr()), "pid", os.Getpid())
		return w.Serve(cmd.Context())
	},
}
