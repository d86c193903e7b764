package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "rbacaccel",
	Short: "rbacaccel is a role-based access control authority and client",
	Long: `An RBAC accelerator: an authority that owns users, roles, permissions and
sessions, and a client that creates sessions and checks access against it.
Complete documentation is available at https://github.com/jmcleod/rbacaccel`,
	SilenceUsage: true,
	Version:      Version,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
