// Command queuectl is the operator CLI for the queue core: serve runs the
// WebSocket gateway and ops HTTP surface, migrate provisions the schema,
// and seed-demo stands up a throwaway shop/queue/admin for local poking.
// It folds the teacher's separate initdb binary into one of its own
// subcommands instead of a second main package.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "queuectl",
		Short:         "operate the hybrid queue core",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(newServeCmd(), newMigrateCmd(), newSeedDemoCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
