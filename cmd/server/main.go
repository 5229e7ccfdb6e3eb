package main // Entry point package

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "reservation",
		Short:        "Restaurant reservation service",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}
	serve := newServeCmd()
	root.AddCommand(serve)
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newReconcileCmd())
	root.AddCommand(newTokenCmd())

	// bare invocation serves, as the container entrypoint expects
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
