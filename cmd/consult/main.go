package main

import (
	"os"

	"github.com/arzzra/telehealth/internal/cli"
)

func main() {
	if err := cli.NewClientRootCmd(&cli.Dependencies{}).Execute(); err != nil {
		os.Exit(1)
	}
}
