// The main package for the carscan executable.
package main

import (
	"github.com/JakeFAU/carscan/cmd"
)

func main() {
	cmd.Execute()
}
