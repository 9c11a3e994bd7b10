package cli

import (
	"github.com/spf13/cobra"
)

var (
	runNoServer bool
	runListen   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the resolver service (schedulers, trigger endpoint, metrics)",
	Long:  "Run market resolution and dispute finalization on fixed intervals until interrupted. SIGINT/SIGTERM finish the in-flight item before exiting.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if runNoServer {
			a.Config.Server.Enabled = false
		}
		if runListen != "" {
			a.Config.Server.Addr = runListen
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&runNoServer, "no-server", false, "Disable the trigger and metrics HTTP server")
	runCmd.Flags().StringVar(&runListen, "listen", "", "Override server.addr")
}
