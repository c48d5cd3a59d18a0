// Command streamcached runs the streaming media cache proxy: a local
// HTTP listener that serves player Range requests from a byte-range
// cache, downloading from the upstream origin on demand (spec.md §1).
package main

import (
	"fmt"
	"os"

	"github.com/guiyumin/streamcached/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
