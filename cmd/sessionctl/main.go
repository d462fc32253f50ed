package main

import (
	"os"

	"github.com/minios-linux/sessionctl/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
