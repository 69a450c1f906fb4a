package main

import (
	"os"

	"github.com/grovetools/pipewatch/cli"
	"github.com/grovetools/pipewatch/cmd"
)

func main() {
	rootCmd := cmd.NewRootCmd()

	if err := rootCmd.Execute(); err != nil {
		opts := cli.GetOptions(rootCmd)
		cli.NewErrorHandler(opts.Verbose, os.Stderr).Handle(err)
		os.Exit(1)
	}
}
