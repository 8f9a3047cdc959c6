// Command dehc administers a Digital Evacuation Handling Centre store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/dehc/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dehc:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
