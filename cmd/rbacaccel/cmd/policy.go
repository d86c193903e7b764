package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/rbacaccel/authority"
	"github.com/jmcleod/rbacaccel/internal/config"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Policy administration",
	Long:  `Commands for seeding and inspecting the users, roles and grants an authority serves.`,
}

var policyLoadCmd = &cobra.Command{
	Use:   "load FILE",
	Short: "Load a policy YAML document into the configured backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServer()
		if err != nil {
			return err
		}
		if cfg.Backend == "memory" {
			return fmt.Errorf("the memory backend does not outlive this command; use bbolt or postgres")
		}
		doc, err := authority.LoadDocumentFile(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		repo, closeRepo, err := openRepository(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeRepo()

		policy := authority.NewPolicyStore(repo)
		replace, _ := cmd.Flags().GetBool("replace")
		if replace {
			err = policy.Replace(ctx, doc)
		} else {
			err = policy.Load(ctx, doc)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "loaded %d users and %d roles into %s\n", len(doc.Users), len(doc.Roles), cfg.Backend)
		return nil
	},
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the users and roles in the configured backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServer()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		repo, closeRepo, err := openRepository(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeRepo()

		policy := authority.NewPolicyStore(repo)
		users, err := policy.Users(ctx)
		if err != nil {
			return err
		}
		roles, err := policy.Roles(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "ROLES")
		for _, name := range roles {
			fmt.Fprintf(out, "  %s\n", name)
		}
		fmt.Fprintln(out, "USERS")
		for _, id := range users {
			fmt.Fprintf(out, "  %s\n", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyLoadCmd, policyListCmd)
	policyLoadCmd.Flags().Bool("replace", false, "Drop the stored policy before loading")
}
