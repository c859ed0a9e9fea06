package main

import (
	"os"

	"github.com/hookline/hookline/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
