package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keeperd/keeper/internal/client"
	"github.com/keeperd/keeper/internal/config"
	"github.com/keeperd/keeper/internal/logging"
	"github.com/keeperd/keeper/internal/proto"
	"github.com/keeperd/keeper/internal/version"
)

var (
	configPath string
	sockPath   string
)

// resolveSock prefers an explicit socket path, then the config file,
// then the default.
func resolveSock() string {
	if sockPath != "" {
		return sockPath
	}
	if cfg, err := config.Load(configPath); err == nil {
		return cfg.Master.SockPath()
	}
	return "keeper.sock"
}

func run(req any, opts client.Options) {
	if !client.Run(req, resolveSock(), opts) {
		os.Exit(1)
	}
}

// serviceCmd builds one per-service subcommand. The preamble prints
// without a newline so progress dots continue the line.
func serviceCmd(use, short, preamble string, build func(name string) any) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if preamble != "" {
				fmt.Printf(preamble, args[0])
			}
			run(build(args[0]), client.Options{})
		},
	}
}

func main() {
	logging.Setup("info")

	root := &cobra.Command{
		Use:           "keeperctl",
		Short:         "keeperctl controls a running keeperd master",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "keeper.yaml", "configuration file")
	root.PersistentFlags().StringVar(&sockPath, "sock", "", "control socket path (overrides config)")

	root.AddCommand(
		serviceCmd("start", "Start a service", "Starting `%s` service.", func(n string) any { return proto.Start(n) }),
		serviceCmd("stop", "Stop a service", "Stopping `%s` service.", func(n string) any { return proto.Stop(n) }),
		serviceCmd("reload", "Gracefully reload a service", "Reloading `%s` service.", func(n string) any { return proto.Reload(n) }),
		serviceCmd("restart", "Restart a service", "Restarting `%s` service.", func(n string) any { return proto.Restart(n) }),
		serviceCmd("pause", "Pause a service", "Pause `%s` service.\n", func(n string) any { return proto.Pause(n) }),
		serviceCmd("resume", "Resume a service", "Resume `%s` service.\n", func(n string) any { return proto.Resume(n) }),
		serviceCmd("status", "Show service status", "", func(n string) any { return proto.Status(n) }),
		serviceCmd("spid", "List service worker pids", "", func(n string) any { return proto.SPid(n) }),
	)

	root.AddCommand(&cobra.Command{
		Use:   "pid",
		Short: "Print the master pid",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			run(proto.PidQuery{}, client.Options{})
		},
	})

	versionCheck := false
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the master version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if versionCheck {
				run(proto.VersionQuery{}, client.Options{CheckVersion: true})
				return
			}
			fmt.Printf("keeperctl %s\n", version.Version)
			run(proto.VersionQuery{}, client.Options{})
		},
	}
	versionCmd.Flags().BoolVar(&versionCheck, "check", false, "exit 0 only if the master runs this release")
	root.AddCommand(versionCmd)

	root.AddCommand(&cobra.Command{
		Use:   "quit",
		Short: "Shut the master down",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print("Quiting.")
			run(proto.Quit{}, client.Options{})
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
