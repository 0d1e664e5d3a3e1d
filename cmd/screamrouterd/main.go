// Command screamrouterd is the Audio Manager daemon: it loads configuration,
// builds the engine described by that configuration, and serves it until
// terminated.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := RootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
