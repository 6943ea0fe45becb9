// Command stockpilot runs the realtime hub, watches it from a terminal and
// mints development tokens.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
