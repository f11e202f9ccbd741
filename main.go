package main

import "github.com/peersend/overlay/cmd"

func main() {
	cmd.Execute()
}
