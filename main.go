// The main package for the sitewatch executable.
package main

import (
	"github.com/JakeFAU/sitewatch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
