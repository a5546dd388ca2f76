package main

import (
	"fmt"
	"os"

	"github.com/replaysMike/binner-auth/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "binner-auth:", err)
		os.Exit(1)
	}
}
