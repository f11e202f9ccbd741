package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/peersend/overlay/state"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Generates a new overlay keypair",
	Run: func(cmd *cobra.Command, args []string) {
		key := state.GenerateKey()
		privKey, err := key.MarshalText()
		if err != nil {
			panic(err)
		}
		pubKey, err := key.Pubkey().MarshalText()
		if err != nil {
			panic(err)
		}
		fmt.Printf("PrivateKey=%s\n", privKey)
		_, err = fmt.Fprintf(os.Stderr, "PublicKey=%s\nId=%s\n", pubKey, key.Id())
		if err != nil {
			panic(err)
		}
	},
	GroupID: "init",
}

func init() {
	rootCmd.AddCommand(keyCmd)
}
