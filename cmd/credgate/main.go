package main

import (
	"os"

	"github.com/skylark-labs/credgate/cmd/credgate/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
