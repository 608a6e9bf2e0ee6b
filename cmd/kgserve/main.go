// Command kgserve loads knowledge-graph bundles and serves them read-only.
package main

import (
	"os"

	"github.com/kilupskalvis/kgserve/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
