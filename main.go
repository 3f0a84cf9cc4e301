// Package main is the yap command line.
package main

import (
	"fmt"
	"os"

	"github.com/yapchat/yap/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
