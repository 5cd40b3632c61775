package main

import (
	"os"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/cli"
)

func main() {
	os.Exit(int(cli.Run(os.Args[1:])))
}
