package main

import (
	"os"

	"github.com/satsjar/satsjar/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
