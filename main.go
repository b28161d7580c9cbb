package main

import (
	"os"

	"github.com/brokerhub/brokerhub-go/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
