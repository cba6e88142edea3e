package main

import (
	"boorukeep/cmd/cmd"
)

func main() {
	// Each subcommand initializes the process logger itself: `serve`
	// installs the monitor ring-buffer handler before anything else
	// touches internal/logger, which every other subcommand's default
	// stdout JSON handler (internal/logger.Init's once.Do) must not
	// pre-empt.
	cmd.Execute()
}
