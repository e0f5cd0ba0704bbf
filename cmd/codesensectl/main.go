package main

import (
	"os"

	"github.com/codesense/codesense/cmd/codesensectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
