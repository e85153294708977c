package main

import (
	"os"

	"github.com/speedelog/prepflow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
