package main

import (
	"os"

	"github.com/ILLUVRSE/imagerotation/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
