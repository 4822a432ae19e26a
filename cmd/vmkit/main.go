// Command vmkit formats and inspects swap files and runs memory pressure
// simulations on the memory manager.
package main

import (
	"fmt"
	"os"

	"github.com/tebeka/atexit"
)

func main() {
	code := 0

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code = 1
	}

	atexit.Exit(code)
}
