package main

import (
	"os"

	"github.com/pitchlens/inference-scheduler/cmd/schedctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
