package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	localConfigPath   = "local.yaml"
	centralConfigPath = "central.yaml"
)

var rootCmd = &cobra.Command{
	Use:   "overlay",
	Short: "Peer-to-peer overlay network node",
	Long: `Overlay maintains an encrypted mesh between a closed set of trusted
peers, traversing NATs by direct connection, coordinated hole punch or
relaying through a mutually reachable peer.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "init",
		Title: "Initialize Overlay",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "ov",
		Title: "Overlay Commands",
	})
	rootCmd.PersistentFlags().StringVarP(&localConfigPath, "local-config", "n", localConfigPath, "node-specific config")
	rootCmd.PersistentFlags().StringVarP(&centralConfigPath, "central-config", "c", centralConfigPath, "network-global config")
}
