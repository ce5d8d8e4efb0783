package main

import (
	"os"

	"github.com/lidio601/lamassu-machine/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
