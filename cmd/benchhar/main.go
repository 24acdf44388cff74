package main

import (
	"github.com/mraleph/benchmark-harness/internal/cli/cmd"
)

func main() {
	cmd.Execute()
}
