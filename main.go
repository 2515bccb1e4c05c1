// The main package for the governor executable.
package main

import (
	"github.com/JakeFAU/crawl-governor/cmd"
)

func main() {
	cmd.Execute()
}
