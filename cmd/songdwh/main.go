// Command songdwh runs the song-play warehouse pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/streamhaus/songdwh/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
