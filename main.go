// The main package for the dishwire executable.
package main

import (
	"github.com/dishwire/dishwire/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
