// The main package for the channelscan executable.
package main

import (
	"github.com/JakeFAU/channelscan/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
