// The main package for the egress executable.
package main

import (
	"github.com/JakeFAU/egress-fetcher/cmd"
)

func main() {
	cmd.Execute()
}
