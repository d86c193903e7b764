package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/rbacaccel/accel"
	"github.com/jmcleod/rbacaccel/internal/config"
	"github.com/jmcleod/rbacaccel/rbac"
	"github.com/jmcleod/rbacaccel/transport"
)

// passwordEnv holds the password for session check when --password is not
// given, keeping it out of shell history.
const passwordEnv = config.Prefix + "PASSWORD"

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Client operations against a running authority",
}

var sessionCheckCmd = &cobra.Command{
	Use:   "check USER OBJECT OPERATION [OBJECT_ID]",
	Short: "Create a session, check one permission and delete the session",
	Long: `Create a session for USER at the authority named by RBACACCEL_AUTHORITY_URL,
check whether it may perform OPERATION on OBJECT, print the active roles and
the decision, then delete the session. The password is read from --password or
` + passwordEnv + `.`,
	Args: cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient()
		if err != nil {
			return err
		}
		if url, _ := cmd.Flags().GetString("authority"); url != "" {
			cfg.AuthorityURL = strings.TrimRight(url, "/")
		}
		trusted, _ := cmd.Flags().GetBool("trusted")
		roleNames, _ := cmd.Flags().GetStringSlice("role")
		password, _ := cmd.Flags().GetString("password")
		if password == "" {
			password = os.Getenv(passwordEnv)
		}
		verbose, _ := cmd.Flags().GetBool("verbose")

		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
		engine := accel.New(transport.NewHTTPClient(cfg),
			accel.WithLogger(logger),
			accel.WithTimeout(cfg.Timeout))

		var pw []byte
		if password != "" {
			pw = []byte(password)
		}
		user := rbac.NewUser(args[0], pw, roleNames...)
		perm := rbac.NewPermission(args[1], args[2], args[3:]...)

		return accel.WithSession(cmd.Context(), engine, user, trusted, func(ctx context.Context, s *accel.Session) error {
			allowed, err := engine.CheckAccess(ctx, s, perm)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "user:       %s\n", s.UserID())
			fmt.Fprintf(out, "roles:      %s\n", strings.Join(rbac.RoleNames(s.Roles()), ", "))
			fmt.Fprintf(out, "permission: %s\n", perm)
			if allowed {
				fmt.Fprintln(out, "decision:   allow")
			} else {
				fmt.Fprintln(out, "decision:   deny")
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionCheckCmd)
	f := sessionCheckCmd.Flags()
	f.String("authority", "", "Authority base URL (default from RBACACCEL_AUTHORITY_URL)")
	f.String("password", "", "User password (default from "+passwordEnv+")")
	f.StringSlice("role", nil, "Role to activate; repeat for several (default: authority policy)")
	f.Bool("trusted", false, "Create a trusted session without a password")
	f.BoolP("verbose", "v", false, "Log each round trip")
}
