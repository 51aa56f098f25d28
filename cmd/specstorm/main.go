package main

import (
	"fmt"
	"os"

	"github.com/dshills/specstorm/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "specstorm: %v\n", err)
		os.Exit(1)
	}
}
