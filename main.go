package main

import (
	"os"

	"github.com/coordkv/coordstore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
