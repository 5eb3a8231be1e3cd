package agentcli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/oremus-labs/agentdesk/internal/backend"
	"github.com/oremus-labs/agentdesk/internal/store"
	"github.com/oremus-labs/agentdesk/internal/transport"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Manage chat sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := mustClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		sessions, err := listSessions(cmd, client, limit)
		if err != nil {
			return err
		}
		if handled, err := writeOutput(cmd, sessions); handled || err != nil {
			return err
		}
		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintln(tw, "ID\tTITLE\tUPDATED")
		for _, s := range sessions {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, truncate(s.Title, 48), relativeTime(s.UpdatedAt))
		}
		flushTable(tw)
		return nil
	},
}

// listSessions reads from the backend and refreshes the cache; when the
// backend is unreachable the cached list is served.
func listSessions(cmd *cobra.Command, client *Client, limit int) ([]store.Session, error) {
	ctx := cmd.Context()
	remote, err := client.Backend.ListSessions(ctx)
	if err != nil {
		if client.Cache == nil || !errors.Is(err, transport.ErrTransport) {
			return nil, err
		}
		cached, cacheErr := client.Cache.ListSessions(ctx, limit)
		if cacheErr != nil || len(cached) == 0 {
			return nil, err
		}
		log.Warn().Err(err).Msg("backend unreachable; showing cached sessions")
		return cached, nil
	}

	out := make([]store.Session, 0, len(remote))
	for _, s := range remote {
		out = append(out, toStoreSession(s))
	}
	if client.Cache != nil {
		if err := client.Cache.UpsertSessions(ctx, out); err != nil {
			log.Warn().Err(err).Msg("failed to cache sessions")
		}
	}
	sortSessions(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create [title]",
	Short: "Create an empty session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := "New Chat"
		if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
			title = args[0]
		}
		client, err := mustClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		sess, err := client.Backend.CreateSession(cmd.Context(), title)
		if err != nil {
			return err
		}
		if client.Cache != nil {
			_ = client.Cache.UpsertSessions(cmd.Context(), []store.Session{toStoreSession(sess)})
		}
		if handled, err := writeOutput(cmd, sess); handled || err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s created.\n", sess.ID)
		return nil
	},
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename <session> <title>",
	Short: "Rename a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := mustClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		sess, err := client.Backend.RenameSession(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if client.Cache != nil {
			_ = client.Cache.UpsertSessions(cmd.Context(), []store.Session{toStoreSession(sess)})
		}
		if handled, err := writeOutput(cmd, sess); handled || err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s renamed to %q.\n", args[0], sess.Title)
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session>",
	Short: "Delete a session and its transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			ok, err := confirmPrompt(fmt.Sprintf("Delete session %s?", args[0]), cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}
		}
		client, err := mustClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Backend.DeleteSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		if client.Cache != nil {
			if err := client.Cache.DeleteSession(cmd.Context(), args[0]); err != nil {
				log.Warn().Err(err).Msg("failed to drop cached session")
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s deleted.\n", args[0])
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <session>",
	Short: "Print a session transcript (served from cache when offline)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := mustClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		msgs, err := client.Registry(nil).Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if handled, err := writeOutput(cmd, msgs); handled || err != nil {
			return err
		}
		printTranscript(cmd, msgs)
		return nil
	},
}

func printTranscript(cmd *cobra.Command, msgs []backend.Message) {
	out := cmd.OutOrStdout()
	for i, m := range msgs {
		if i > 0 {
			fmt.Fprintln(out)
		}
		when := ""
		if !m.CreatedAt.IsZero() {
			when = " · " + m.CreatedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(out, "[%s%s]\n%s\n", m.Role, when, m.Content)
	}
}

func toStoreSession(s backend.Session) store.Session {
	return store.Session{
		ID:        s.ID.String(),
		Title:     s.Title,
		CreatedAt: s.CreatedAt.Time,
		UpdatedAt: s.UpdatedAt.Time,
	}
}

func sortSessions(sessions []store.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
}

func init() {
	sessionsListCmd.Flags().Int("limit", 50, "Maximum sessions to show (0 for all)")
	sessionsDeleteCmd.Flags().Bool("force", false, "Skip the confirmation prompt")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsCreateCmd)
	sessionsCmd.AddCommand(sessionsRenameCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}
