package main

import (
	"os"

	"github.com/Dicklesworthstone/hive/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
