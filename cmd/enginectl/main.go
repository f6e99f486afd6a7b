// Command enginectl resolves, links and verifies inference engine backends outside
// the server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := buildRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if engine.IsResolutionError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
