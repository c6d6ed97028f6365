// Command mailrag answers questions over a tenant's email archive. It runs
// as an HTTP service (serve), a one-shot CLI (ask) or an indexer (index).
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/mailrag-go/cmd/mailrag/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
