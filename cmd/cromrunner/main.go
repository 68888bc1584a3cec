package main

import (
	"fmt"
	"os"

	"github.com/me/cromrunner/internal/cli"
)

func main() {
	err := cli.NewRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cromrunner:", err)
	}
	os.Exit(cli.ExitCode(err))
}
