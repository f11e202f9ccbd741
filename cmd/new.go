package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/peersend/overlay/state"
)

var newCmd = &cobra.Command{
	Use:   "new [name]",
	Short: "Create a node configuration",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			_ = cmd.Usage()
			return
		}
		port, _ := strconv.Atoi(cmd.Flag("port").Value.String())

		name := args[0]
		err := state.NameValidator(name)
		if err != nil {
			fmt.Printf("Invalid name: %s\n", name)
			os.Exit(-1)
		}

		localCfg := state.LocalCfg{
			Key:  state.GenerateKey(),
			Name: name,
			Port: uint16(port),
		}

		lcfg, err := yaml.Marshal(&localCfg)
		if err != nil {
			panic(err)
		}

		outPath := cmd.Flag("output").Value.String()
		err = os.WriteFile(outPath, lcfg, 0700)
		if err != nil {
			panic(err)
		}

		pubKey, _ := localCfg.Key.Pubkey().MarshalText()
		fmt.Printf("Wrote %s\n", outPath)
		fmt.Printf("Add to the central config:\n")
		fmt.Printf("  - name: %s\n    pubkey: %s\n", name, pubKey)
	},
	GroupID: "init",
}

func init() {
	rootCmd.AddCommand(newCmd)

	newCmd.Flags().StringP("output", "o", "local.yaml", "Output path for the node config")
	newCmd.Flags().StringP("port", "p", strconv.Itoa(state.DefaultPort), "Listen port")
}
