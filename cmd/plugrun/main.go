// Command plugrun loads a plugin manifest, instantiates the plugin, and
// calls its exported functions from the command line or an interactive
// TUI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
