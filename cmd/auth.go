package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apperrors "github.com/killallgit/somleng/pkg/errors"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the hosted backend",
	Long: `Sign in with an email and password. The session is stored in the
session file and reused by later commands until logout.

The password is read from SOMLENG_PASSWORD when set, otherwise it is
prompted for.

Example:
  somleng login --email me@example.com`,
	Args: cobra.NoArgs,
	RunE: withApp(runLogin),
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the session cache",
	Args:  cobra.NoArgs,
	RunE:  withApp(runLogout),
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)
	loginCmd.Flags().String("email", "", "account email")
}

func runLogin(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	if a.auth == nil {
		return apperrors.ConfigError("backend", "login is only needed for the supabase backend")
	}

	email, _ := cmd.Flags().GetString("email")
	if email == "" {
		var err error
		if email, err = prompt(cmd, "Email: "); err != nil {
			return err
		}
	}
	password := os.Getenv("SOMLENG_PASSWORD")
	if password == "" {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = string(raw)
	}

	creds, err := a.auth.SignIn(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return err
	}
	// a new login never inherits URLs signed for the previous one
	if err := a.session.Logout(ctx); err != nil {
		return err
	}
	if err := a.session.Save(*creds); err != nil {
		return err
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	return p.Message(map[string]string{"user_id": creds.UserID, "email": creds.Email},
		"Signed in as %s", creds.Email)
}

func runLogout(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	if a.auth != nil {
		if token, err := a.session.AccessToken(ctx); err == nil {
			if err := a.auth.SignOut(ctx, token); err != nil {
				a.logger.Warn().Err(err).Msg("Server-side sign out failed")
			}
		}
	}
	if err := a.session.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
	return nil
}

func prompt(cmd *cobra.Command, label string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), label)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
