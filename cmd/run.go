package cmd

import (
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/peersend/overlay/core"
	"github.com/peersend/overlay/state"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the overlay node",
	Long:  `This will run an overlay node on the current host, using the local and central configs.`,
	Run: func(cmd *cobra.Command, args []string) {
		var centralCfg state.CentralCfg
		file, err := os.ReadFile(centralConfigPath)
		if err != nil {
			panic(err)
		}
		err = yaml.Unmarshal(file, &centralCfg)
		if err != nil {
			panic(err)
		}

		var localCfg state.LocalCfg
		file, err = os.ReadFile(localConfigPath)
		if err != nil {
			panic(err)
		}
		err = yaml.Unmarshal(file, &localCfg)
		if err != nil {
			panic(err)
		}

		err = state.CentralConfigValidator(&centralCfg)
		if err != nil {
			panic(err)
		}
		err = state.LocalConfigValidator(&localCfg)
		if err != nil {
			panic(err)
		}

		level := slog.LevelInfo
		if ok, _ := cmd.Flags().GetBool("verbose"); ok {
			level = slog.LevelDebug
		}

		err = core.Start(centralCfg, localCfg, level)
		if err != nil {
			panic(err)
		}
	},
	GroupID: "ov",
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
}
