// Command nexuspc runs the NexusPC chat server.
package main

import (
	"fmt"
	"os"

	"nexuspc/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "nexuspc:", err)
		os.Exit(1)
	}
}
