package main

import (
	"os"

	"github.com/cmt-volunteer-system/volunteer-pipeline/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
