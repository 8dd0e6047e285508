package main

import (
	"os"

	"github.com/k-yamada-dev/codecheck-202507-sub000/cmd/jobctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
