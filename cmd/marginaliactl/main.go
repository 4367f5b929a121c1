// Command marginaliactl runs maintenance tasks against a Marginalia
// deployment: schema migrations, lockout recovery, invites and reindexing.
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
