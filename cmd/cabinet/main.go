package main

import (
	"os"

	"github.com/cabinet-labs/cabinet/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
