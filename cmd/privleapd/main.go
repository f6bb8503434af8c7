package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/privleap/privleapd/internal/plog"
	"github.com/privleap/privleapd/internal/supervisor"
)

func main() {
	root := &cobra.Command{
		Use:   "privleapd",
		Short: "local privilege-delegation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			testMode, _ := cmd.Flags().GetBool("test")
			stateDir, _ := cmd.Flags().GetString("state-dir")
			confDir, _ := cmd.Flags().GetString("conf-dir")
			settingsPath, _ := cmd.Flags().GetString("settings")

			plog.Init("info", os.Stderr)
			log := plog.Component("supervisor")

			err := supervisor.Run(supervisor.Options{
				StateDir:     stateDir,
				ConfDir:      confDir,
				SettingsPath: settingsPath,
				TestMode:     testMode,
			}, log)
			if err != nil {
				// An internal logic invariant violation during the accept
				// loop (poll/accept plumbing failure), not a startup error
				// — those exit via plog.Critical with status 1 before
				// reaching here.
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			return nil
		},
	}

	root.Flags().Bool("test", false, "enable test mode (adds a send-side delay to stabilize test harness races)")
	root.Flags().String("state-dir", "/run/privleapd", "runtime state directory (pid file, control socket, comm sockets)")
	root.Flags().String("conf-dir", "/etc/privleap/conf.d", "action configuration directory")
	root.Flags().String("settings", "/etc/privleap/daemon.yaml", "optional operational settings file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
