// Package main provides the fetchurl binary entry point.
package main

import (
	"fmt"
	"os"

	"github.com/j0hanz/fetch-url-mcp-sub001/commands"
)

func main() {
	if err := commands.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
