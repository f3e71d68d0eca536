// The main package for the items-api executable.
package main

import (
	"github.com/JakeFAU/items-api/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
