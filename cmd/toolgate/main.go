package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		// Ctrl-C during a proxy session is a normal way out, not a failure
		// worth reporting.
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "toolgate: %v\n", err)
		}
		os.Exit(1)
	}
}
