// Command sqlpoint serves annotated SQL files as HTTP endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/sqlpoint/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return cli.GetExitCode(err)
	}
	return cli.ExitSuccess
}
