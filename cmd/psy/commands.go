package main

import (
	"github.com/spf13/cobra"
)

// createStartCommand creates the start subcommand
func createStartCommand(c *command) *cobra.Command {
	f := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start [flags] -- command [args...]",
		Short: "Start a process and keep it running",
		Long: `Start a process under supervision. The command is restarted when it
exits unexpectedly, at most --max-restarts times (-1 for no limit), waiting
--sleep milliseconds before each restart.

Examples:
  psy start -n web -- python -m http.server 8000
  psy start -n worker -l worker.log -e QUEUE=jobs -r 5 -s 1000 -- ./worker`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), *f, args)
		},
	}
	cmd.Flags().StringVarP(&f.Name, "name", "n", "", "process name (default: random 8 hex chars)")
	cmd.Flags().StringVarP(&f.Logfile, "logfile", "l", "", "append output to this file")
	cmd.Flags().StringVarP(&f.Cwd, "cwd", "c", "", "working directory (default: current directory)")
	cmd.Flags().StringArrayVarP(&f.Env, "env", "e", nil, "environment variable K=V (repeatable)")
	cmd.Flags().IntVarP(&f.MaxRestarts, "max-restarts", "r", -1, "automatic restarts before giving up (-1 = unlimited)")
	cmd.Flags().IntVarP(&f.SleepMs, "sleep", "s", 0, "milliseconds to wait before an automatic restart")
	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop NAME",
		Short: "Stop a process (it stays registered)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), args[0])
		},
	}
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart NAME",
		Short: "Restart a process, including one that crashed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(cmd.Context(), args[0])
		},
	}
}

// createRemoveCommand creates the remove subcommand
func createRemoveCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:     "remove NAME",
		Aliases: []string{"rm"},
		Short:   "Stop a process and forget it",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Remove(cmd.Context(), args[0])
		},
	}
}

// createListCommand creates the list subcommand
func createListCommand(c *command) *cobra.Command {
	f := &ListFlags{}
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List supervised processes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Format, "format", "table", "output format: table or json")
	return cmd
}

// createLogCommand creates the log subcommand
func createLogCommand(c *command) *cobra.Command {
	f := &LogFlags{}
	cmd := &cobra.Command{
		Use:   "log NAME",
		Short: "Print or follow a process's output",
		Long: `Print a process's output. Without -n or -N the live output is followed.

  -n k     the last k lines        -n a,b   from the a-th last up to the b-th last line
  -N k     from line k onwards     -N a,b   lines a to b (exclusive)

Negative -N indices count from the end. -f keeps following after the window.

Examples:
  psy log web -n 50
  psy log web -N 0 -f`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Log(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().StringVarP(&f.Last, "lines", "n", "", "lines counted from the end: k or a,b")
	cmd.Flags().StringVarP(&f.Range, "range", "N", "", "lines counted from the start: k or a,b")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "keep streaming new output")
	return cmd
}

// createHistoryCommand creates the history subcommand
func createHistoryCommand(c *command) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history [NAME]",
		Short: "Show recent lifecycle events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.History(cmd.Context(), name, *f)
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum number of events")
	cmd.Flags().StringVar(&f.Format, "format", "table", "output format: table or json")
	return cmd
}

// createServerCommand creates the server subcommand
func createServerCommand(c *command) *cobra.Command {
	f := &ServerFlags{}
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the daemon (normally spawned automatically)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Server(cmd.Context(), *f, false)
		},
	}
	cmd.Flags().BoolVar(&f.Autoclose, "autoclose", false, "exit when idle with no processes")
	cmd.Flags().IntVar(&f.ReadyFD, "ready-fd", 0, "write one byte to this descriptor once listening")
	return cmd
}

// createDaemonCommand creates the daemon subcommand
func createDaemonCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run a persistent daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Server(cmd.Context(), ServerFlags{}, true)
		},
	}
}

// createPidCommand creates the pid subcommand
func createPidCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "pid",
		Short: "Print the daemon's pid, or 0 when it is not running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Pid()
		},
	}
}

// createCloseCommand creates the close subcommand
func createCloseCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "close",
		Short: "Stop all processes and the daemon; they return on the next start",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Close(cmd.Context())
		},
	}
}

// createKillCommand creates the kill subcommand
func createKillCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "SIGKILL all processes and the daemon immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Kill(cmd.Context())
		},
	}
}

// createResetCommand creates the reset subcommand
func createResetCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Stop everything and delete all saved state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Reset(cmd.Context())
		},
	}
}

// createVersionCommand creates the version subcommand
func createVersionCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the psy version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.Version()
			return nil
		},
	}
}
