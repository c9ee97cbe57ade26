// Command cloudforge drives a child coding agent through a workflow of
// named phases until it completes, halts on a circuit breaker, or is
// interrupted.
package main

import (
	"os"

	"github.com/cloudforge/cloudforge/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
