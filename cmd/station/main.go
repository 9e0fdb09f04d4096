package main

import (
	"os"

	"github.com/geogram-dev/station/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
