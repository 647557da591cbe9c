// Package main is the entry point for the triage analysis orchestrator.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/triage/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
