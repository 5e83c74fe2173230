// Package main provides the entry point for a single replicated
// key-value store node.
package main

import "os"

func main() {
	os.Exit(run(os.Args))
}

// run executes the CLI and returns an exit code. Separated from main() to
// facilitate testing.
func run(args []string) int {
	return serveCmd(args[1:])
}
