package agentcli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/oremus-labs/agentdesk/internal/api"
	"github.com/oremus-labs/agentdesk/internal/conversation"
	"github.com/oremus-labs/agentdesk/internal/stream"
)

const stopTimeout = 5 * time.Second

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a message and stream the reply; interactive without a message",
	Long: `chat streams the assistant's reply to stdout as it arrives.
Without a message it reads one prompt per line from stdin until EOF or /quit.
Ctrl-C stops the running reply, locally and on the backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if metricsAddr == "" && envConfig != nil {
			metricsAddr = envConfig.MetricsAddr
		}

		client, err := mustClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if metricsAddr != "" {
			opsCtx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			srv := api.NewServer(api.Options{Bus: client.Bus, Version: Version})
			go func() {
				if err := srv.Run(opsCtx, metricsAddr); err != nil {
					log.Error().Err(err).Msg("ops server stopped")
				}
			}()
		}

		jsonOut := strings.EqualFold(outputFormat, "json")
		var r *renderer
		if !jsonOut {
			r = &renderer{out: cmd.OutOrStdout()}
		}
		reg := client.Registry(r.onEvent)
		conv := reg.Conversation(sessionID)

		if len(args) > 0 {
			if err := exchange(cmd, reg, conv, strings.Join(args, " ")); err != nil {
				return err
			}
			if jsonOut {
				_, err := writeOutput(cmd, chatResult{SessionID: conv.SessionID(), Messages: conv.Messages()})
				return err
			}
			if sessionID == "" && conv.SessionID() != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", conv.SessionID())
			}
			return nil
		}
		return interactive(cmd, reg, conv)
	},
}

type chatResult struct {
	SessionID string      `json:"sessionId"`
	Messages  interface{} `json:"messages"`
}

// interactive runs one exchange per input line. Exchange failures are
// reported and the loop continues.
func interactive(cmd *cobra.Command, reg *conversation.Registry, conv *conversation.Conversation) error {
	in := cmd.InOrStdin()
	tty := isInteractive(in)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for {
		if tty {
			fmt.Fprint(cmd.ErrOrStderr(), "> ")
		}
		if !scanner.Scan() {
			return errors.Wrap(scanner.Err(), "read prompt")
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}
		if err := exchange(cmd, reg, conv, line); err != nil {
			printError(cmd.ErrOrStderr(), err)
		}
	}
}

// exchange sends text and blocks until the reply is folded in. An interrupt
// stops the reply and is not reported as a failure.
func exchange(cmd *cobra.Command, reg *conversation.Registry, conv *conversation.Conversation, text string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := reg.SendTo(ctx, conv, text); err != nil {
		return err
	}
	err := conv.Wait(ctx)
	if ctx.Err() == nil {
		return err
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), stopTimeout)
	defer cancel()
	if err := conv.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Str("session_id", conv.SessionID()).Msg("backend did not acknowledge stop")
	}
	if err := conv.Wait(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug().Err(err).Msg("exchange ended after stop")
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "\n[stopped]")
	return nil
}

// renderer writes streamed content as it arrives. A nil renderer prints nothing.
type renderer struct {
	out io.Writer

	mu      sync.Mutex
	midLine bool
}

func (r *renderer) onEvent(_ *conversation.Conversation, ev stream.Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.Kind {
	case stream.KindContent:
		if ev.Text == "" {
			return
		}
		fmt.Fprint(r.out, ev.Text)
		r.midLine = !strings.HasSuffix(ev.Text, "\n")
	case stream.KindDone, stream.KindError:
		if r.midLine {
			fmt.Fprintln(r.out)
			r.midLine = false
		}
	}
}

var stopCmd = &cobra.Command{
	Use:   "stop <session>",
	Short: "Ask the backend to stop generating for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := mustClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.Backend.StopGeneration(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for session %s.\n", args[0])
		return nil
	},
}

func init() {
	chatCmd.Flags().StringP("session", "s", "", "Continue an existing session")
	chatCmd.Flags().String("metrics-addr", "", "Serve /healthz, /metrics and /events on this address while chatting")
}
