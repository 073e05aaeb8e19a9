package main

import (
	"os"

	"github.com/nvcnvn/durable/cmd/durabled/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
