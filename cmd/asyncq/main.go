// Command asyncq executes asynchronous queries recorded by an upstream
// submission API and serves their status and results.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
