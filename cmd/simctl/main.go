// simctl is the command line client for the simulation jobs service.
package main

import (
	"os"

	"simjobs/cmd/simctl/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
