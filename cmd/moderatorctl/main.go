// Command moderatorctl manages moderator accounts and inspects the review
// queue directly against the database.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"safetyvoice/api/internal/authpw"
	"safetyvoice/api/internal/config"
	"safetyvoice/api/internal/lifecycle"
	"safetyvoice/api/internal/rbac"
	"safetyvoice/api/internal/store"
)

var databaseURL string

var rootCmd = &cobra.Command{
	Use:   "moderatorctl",
	Short: "Manage SafetyVoice moderators",
	Long: `moderatorctl creates moderator accounts, resets passwords and lists the
pending review queue. It talks to Postgres directly; the API does not need to
be running.`,
	SilenceUsage: true,
}

var createCmd = &cobra.Command{
	Use:   "create <email>",
	Short: "Create a moderator account",
	Long: `Create a moderator account.

Examples:
  moderatorctl create reviewer@example.org --password 'long-passphrase'
  moderatorctl create lead@example.org --password 'long-passphrase' --role admin --name "Review lead"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")
		name, _ := cmd.Flags().GetString("name")
		role, _ := cmd.Flags().GetString("role")

		return withStore(cmd.Context(), func(ctx context.Context, repo *store.PostgresStore) error {
			moderator, err := authpw.NewService(repo).CreateModerator(ctx, authpw.CreateRequest{
				Email:       args[0],
				Password:    password,
				DisplayName: name,
				Role:        rbac.Normalize(role),
			})
			if err != nil {
				return err
			}
			fmt.Printf("CREATED %s %s (%s)\n", moderator.ID, moderator.Email, moderator.Role)
			return nil
		})
	},
}

var setPasswordCmd = &cobra.Command{
	Use:   "set-password <email>",
	Short: "Reset a moderator's password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")

		return withStore(cmd.Context(), func(ctx context.Context, repo *store.PostgresStore) error {
			moderator, err := repo.GetModeratorByEmail(ctx, args[0])
			if err != nil {
				if store.IsNotFound(err) {
					return fmt.Errorf("no moderator with email %s", args[0])
				}
				return err
			}
			if err := authpw.NewService(repo).SetPassword(ctx, moderator.ID, password); err != nil {
				return err
			}
			fmt.Printf("UPDATED %s\n", moderator.Email)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Short:   "List moderator accounts",
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, repo *store.PostgresStore) error {
			moderators, err := repo.ListModerators(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEMAIL\tNAME\tROLE\tCREATED")
			for _, m := range moderators {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.Email, m.DisplayName, m.Role, m.CreatedAt.Format(time.DateOnly))
			}
			return w.Flush()
		})
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show submissions awaiting a decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, repo *store.PostgresStore) error {
			items, err := repo.ListSubmissions(ctx, lifecycle.Pending())
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("No submissions awaiting review")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tCONFIDENCE\tRECEIVED\tTITLE")
			for _, item := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", item.ID, item.Status, item.Confidence, item.CreatedAt.Format(time.DateTime), item.PublishTitle)
			}
			return w.Flush()
		})
	},
}

func withStore(ctx context.Context, fn func(context.Context, *store.PostgresStore) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	db, err := store.Open(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, store.NewPostgresStore(db))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", config.Load().DatabaseURL, "Postgres connection URL (defaults to DATABASE_URL)")

	createCmd.Flags().String("password", "", fmt.Sprintf("initial password, at least %d characters", authpw.MinPasswordLength))
	createCmd.Flags().String("name", "", "display name (defaults to the email's local part)")
	createCmd.Flags().String("role", string(rbac.RoleModerator), "moderator or admin")
	_ = createCmd.MarkFlagRequired("password")

	setPasswordCmd.Flags().String("password", "", "new password")
	_ = setPasswordCmd.MarkFlagRequired("password")

	rootCmd.AddCommand(createCmd, setPasswordCmd, listCmd, pendingCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
