package main

import (
	"os"

	"github.com/adalundhe/viable/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
