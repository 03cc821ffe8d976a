// Command fieldlog runs the field-logging tracking core: the phone session
// server, a serial GPS monitor, and offline sensor replay.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
