// Package main is the entry point for the shelfarr application.
package main

import (
	"os"

	"github.com/shelfarr/shelfarr/cmd/shelfarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
