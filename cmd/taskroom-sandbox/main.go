package main

import (
	"fmt"
	"os"

	"github.com/buildkite/taskroom/internal/sandboxagent"
)

func main() {
	if err := sandboxagent.Run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(sandboxagent.ExitCode(err))
	}
}
