package main

import (
	"fmt"
	"os"

	"github.com/fabsync/fabsync/pkg/output"
)

// Injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, output.RenderError(err))
		os.Exit(1)
	}
}
