package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/vcfbot/access"
	"github.com/hazyhaar/vcfbot/shield"
)

func (a *app) tokenCmd() *cobra.Command {
	var (
		user string
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the /api admin surface",
		Long: `token signs a JWT with http.admin_secret (or VCFBOT_ADMIN_SECRET). The
secret must be at least 32 bytes long.`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if a.cfg.HTTP.AdminSecret == "" {
				return errors.New("token: no admin secret configured")
			}
			if user == "" {
				user = a.cfg.OwnerID
			}
			tok, err := access.IssueToken([]byte(a.cfg.HTTP.AdminSecret), user, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "subject user id (default: the owner)")
	cmd.Flags().StringVar(&role, "role", access.RoleOwner, "role: owner or operator")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func (a *app) maintenanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance on|off|status [MESSAGE]",
		Short: "Switch the bot's maintenance mode",
		Long: `maintenance writes the flag to the database; a running server picks it
up within its guard reload interval. While active, everyone but the owner
gets the maintenance message.`,
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"on", "off", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			m := shield.NewMaintenanceMode(db, a.logger)
			switch args[0] {
			case "on":
				msg := ""
				if len(args) == 2 {
					msg = args[1]
				}
				if err := m.Set(ctx, true, msg); err != nil {
					return err
				}
			case "off":
				if err := m.Set(ctx, false, ""); err != nil {
					return err
				}
			case "status":
			default:
				return fmt.Errorf("maintenance: want on, off or status, got %q", args[0])
			}
			state := "off"
			if m.Active() {
				state = "on: " + m.Message()
			}
			fmt.Fprintln(a.stdout, "maintenance", state)
			return nil
		},
	}
}

func (a *app) usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the bot's allow-list",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List allowed users",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				db, err := a.openDB(cmd.Context())
				if err != nil {
					return err
				}
				defer db.Close()
				store, err := a.accessStore(db)
				if err != nil {
					return err
				}
				users, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "USER ID\tUSERNAME\tADDED BY\tADDED AT")
				fmt.Fprintf(tw, "%s\t(owner)\t-\t-\n", store.Owner())
				for _, u := range users {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.UserID, dash(u.Username), dash(u.AddedBy),
						time.Unix(u.AddedAt, 0).Format(time.DateTime))
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:   "add USER_ID [USERNAME]",
			Short: "Allow a Telegram user id",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := access.ParseUserID(args[0])
				if err != nil {
					return err
				}
				username := ""
				if len(args) == 2 {
					username = strings.TrimPrefix(args[1], "@")
				}
				db, err := a.openDB(cmd.Context())
				if err != nil {
					return err
				}
				defer db.Close()
				store, err := a.accessStore(db)
				if err != nil {
					return err
				}
				if err := store.Add(cmd.Context(), id, username, "cli"); err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, "added", id)
				return nil
			},
		},
		&cobra.Command{
			Use:     "remove USER_ID",
			Aliases: []string{"rm"},
			Short:   "Revoke a user's access",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := access.ParseUserID(args[0])
				if err != nil {
					return err
				}
				db, err := a.openDB(cmd.Context())
				if err != nil {
					return err
				}
				defer db.Close()
				store, err := a.accessStore(db)
				if err != nil {
					return err
				}
				if err := store.Remove(cmd.Context(), id, "cli"); err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, "removed", id)
				return nil
			},
		},
	)
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
