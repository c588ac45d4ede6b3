package main

import (
	"os"

	"squeeze/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
