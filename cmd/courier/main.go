package main

import (
	"os"

	"github.com/meow-io/go-courier/cmd/courier/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
