package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/peersend/overlay/core"
	"github.com/peersend/overlay/state"
)

var controlSocket string

var inspectCmd = &cobra.Command{
	Use:     "inspect [peers|connectors|routes|stats]",
	Aliases: []string{"i"},
	Short:   "Inspects the current state of the running node",
	Run: func(cmd *cobra.Command, args []string) {
		query := "peers"
		if len(args) == 1 {
			query = args[0]
		} else if len(args) > 1 {
			_ = cmd.Usage()
			return
		}
		result, err := core.ControlQuery(controlSocket, query)
		if err != nil {
			fmt.Println("Error:", err.Error())
			return
		}
		fmt.Print(result)
	},
	GroupID: "ov",
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect [peer]",
	Short: "Drops the tunnel to a peer and reconnects",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			_ = cmd.Usage()
			return
		}
		result, err := core.ControlQuery(controlSocket, "reconnect "+args[0])
		if err != nil {
			fmt.Println("Error:", err.Error())
			return
		}
		fmt.Print(result)
	},
	GroupID: "ov",
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(reconnectCmd)
	rootCmd.PersistentFlags().StringVarP(&controlSocket, "socket", "s", state.DefaultControlPath, "control socket path")
}
