// The main package for the fetchengine CLI.
package main

import (
	"github.com/JakeFAU/fetchengine/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
