package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var loginCmd = &cobra.Command{
	Use:   "login <token> [username]",
	Short: "Store a session token",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runLogin,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the cached credentials",
	Args:  cobra.NoArgs,
	RunE:  runWhoami,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the cached credentials",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

var stashEmailCmd = &cobra.Command{
	Use:   "stash-email <email>",
	Short: "Remember the email of a login that is still in flight",
	Long: `Records the email used for a login request that was queued offline.
When the replayed login returns a token without a username, this email
becomes the username.`,
	Args: cobra.ExactArgs(1),
	RunE: runStashEmail,
}

func runLogin(cmd *cobra.Command, args []string) error {
	username := ""
	if len(args) > 1 {
		username = args[1]
	}
	return withApp(func(ctx context.Context, a *app) error {
		if err := a.creds.Store(ctx, args[0], username); err != nil {
			return err
		}
		logger.Info("signed in", zap.String("username", username))
		fmt.Fprintln(cmd.OutOrStdout(), "Signed in.")
		return nil
	})
}

func runWhoami(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		creds := a.creds.Read(ctx)
		out := cmd.OutOrStdout()
		if creds.SignedIn() {
			name := creds.UsernameValue()
			if name == "" {
				name = "(no username)"
			}
			fmt.Fprintf(out, "Signed in as %s\n", name)
		} else {
			fmt.Fprintln(out, "Not signed in.")
		}
		if email, ok := a.creds.PendingLoginEmail(ctx); ok {
			fmt.Fprintf(out, "Pending login for %s\n", email)
		}
		return nil
	})
}

func runLogout(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		a.creds.Clear(ctx)
		logger.Info("signed out")
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
		return nil
	})
}

func runStashEmail(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		a.creds.StashLoginEmail(ctx, args[0])
		fmt.Fprintf(cmd.OutOrStdout(), "Pending login email set to %s\n", args[0])
		return nil
	})
}
