// The main package for the twostage executable.
package main

import (
	"github.com/JakeFAU/twostage-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
