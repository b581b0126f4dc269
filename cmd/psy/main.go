package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	c := &command{global: &GlobalFlags{}, out: os.Stdout, errOut: os.Stderr}
	root := buildRoot(c)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with every subcommand attached
func buildRoot(c *command) *cobra.Command {
	root := createRootCommand(c.global)
	root.AddCommand(
		createStartCommand(c),
		createStopCommand(c),
		createRestartCommand(c),
		createRemoveCommand(c),
		createListCommand(c),
		createLogCommand(c),
		createHistoryCommand(c),
		createServerCommand(c),
		createDaemonCommand(c),
		createPidCommand(c),
		createCloseCommand(c),
		createKillCommand(c),
		createResetCommand(c),
		createVersionCommand(c),
	)
	return root
}

// createRootCommand creates the root command with the path flags shared by every subcommand
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "psy",
		Short: "Keep processes running in the background",
		Long: `psy supervises long-running processes. The first command spawns a
background daemon that restarts crashed processes, records their output
and remembers the process set across daemon restarts.

Examples:
  psy start -n web -l web.log -- python -m http.server
  psy ls
  psy log web -n 20 -f
  psy stop web`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.PsyPath, "psypath", "", "directory for psy runtime files (env PSY_PATH)")
	root.PersistentFlags().StringVar(&flags.SockFile, "sockfile", "", "daemon socket path (env PSY_SOCKFILE)")
	root.PersistentFlags().StringVar(&flags.PidFile, "pidfile", "", "daemon pid file path (env PSY_PIDFILE)")
	root.PersistentFlags().StringVar(&flags.StateFile, "statefile", "", "process state file path (env PSY_STATEFILE)")
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")

	return root
}
