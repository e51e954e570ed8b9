// Command conduit runs the conduit executor, workers and liveness
// coordinator, separately or together.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
