package main

import (
	"os"

	"github.com/malbeclabs/analyst/internal/cli"
)

func main() {
	os.Exit(int(cli.Run()))
}
