// shellpod is the command-line client for the control plane: session
// CRUD, lifecycle operations, and an interactive terminal attach.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var serverURL string

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shellpod",
		Short:         "Manage shellpod sandbox sessions",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("SHELLPOD_SERVER", "http://localhost:8000"), "control plane base URL")

	root.AddCommand(newListCmd())
	root.AddCommand(newCreateCmd())
	root.AddCommand(newStartCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newDestroyCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newConnectCmd())

	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
