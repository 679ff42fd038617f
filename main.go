package main

import (
	"fmt"
	"os"

	"go.olrik.dev/wharf/cmd"
)

func main() {
	// If no command specified, default to listing ports
	if len(os.Args) == 1 {
		os.Args = []string{os.Args[0], "ports"}
	}

	root := cmd.NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
