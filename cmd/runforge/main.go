package main

import (
	"os"

	"github.com/runforge/runforge/cmd/runforge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
