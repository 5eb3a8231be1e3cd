package agentcli

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/oremus-labs/agentdesk/internal/backend"
	"github.com/oremus-labs/agentdesk/internal/credentials"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the bearer token for the current context",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")

		client, err := mustClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if strings.TrimSpace(username) == "" {
			if username, err = promptValue("Username", false, cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
				return err
			}
		}
		if password == "" {
			if password, err = promptValue("Password", true, cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
				return err
			}
		}
		if client.Context.Token != "" {
			log.Warn().Str("context", client.Context.Name).Msg("context pins a token; the new login only lasts for this process")
		}
		if _, err := client.Backend.Login(cmd.Context(), username, password); err != nil {
			return errors.Wrap(err, "login")
		}
		rememberUser(client.Context.Name, username)
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s.\n", username)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := mustClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.Backend.Logout(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}

type whoami struct {
	User      backend.User `json:"user"`
	Context   string       `json:"context"`
	Server    string       `json:"server"`
	IssuedAt  *time.Time   `json:"issuedAt,omitempty"`
	ExpiresAt *time.Time   `json:"expiresAt,omitempty"`
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the account behind the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := mustClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		token := client.Guard.Token(cmd.Context())
		if token == "" {
			return errors.New("not logged in; run 'agentdesk login'")
		}
		user, err := client.Backend.Me(cmd.Context())
		if err != nil {
			return err
		}
		out := whoami{User: user, Context: client.Context.Name, Server: client.Context.Server}
		if claims, err := credentials.Inspect(token); err == nil {
			if !claims.IssuedAt.IsZero() {
				out.IssuedAt = &claims.IssuedAt
			}
			if !claims.ExpiresAt.IsZero() {
				out.ExpiresAt = &claims.ExpiresAt
			}
		}
		if handled, err := writeOutput(cmd, out); handled || err != nil {
			return err
		}
		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintln(tw, "USER\tEMAIL\tACTIVE\tCONTEXT\tEXPIRES")
		expires := "-"
		if out.ExpiresAt != nil {
			expires = relativeTime(*out.ExpiresAt)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", user.Username, user.Email, user.IsActive, out.Context, expires)
		flushTable(tw)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account on the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := backend.Registration{}
		reg.Email, _ = cmd.Flags().GetString("email")
		reg.Username, _ = cmd.Flags().GetString("username")
		reg.Password, _ = cmd.Flags().GetString("password")

		client, err := mustClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if reg.Email == "" {
			if reg.Email, err = promptValue("Email", false, cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
				return err
			}
		}
		if reg.Password == "" {
			if reg.Password, err = promptValue("Password", true, cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
				return err
			}
		}
		if err := client.Backend.Register(cmd.Context(), reg); err != nil {
			return errors.Wrap(err, "register")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Account %s created. Run 'agentdesk login' to sign in.\n", reg.Email)
		return nil
	},
}

// rememberUser records the login on a configured context; implicit contexts are not written.
func rememberUser(name, username string) {
	if appConfig == nil {
		return
	}
	ctx, ok := appConfig.Contexts[name]
	if !ok {
		return
	}
	ctx.User = username
	appConfig.Contexts[name] = ctx
	if err := SaveConfig(appConfig, cfgFile); err != nil {
		log.Warn().Err(err).Msg("failed to record user in config")
	}
}

func init() {
	loginCmd.Flags().StringP("username", "u", "", "Account name (prompted when omitted)")
	loginCmd.Flags().String("password", "", "Password (prompted when omitted)")
	registerCmd.Flags().String("email", "", "Email address")
	registerCmd.Flags().String("username", "", "Account name (defaults to the email's local part)")
	registerCmd.Flags().String("password", "", "Password (prompted when omitted)")
}
