package agentcli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/oremus-labs/agentdesk/internal/api"
)

const defaultOpsAddr = ":9464"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops server: /healthz, /metrics and the /events signal feed",
	Long: `serve exposes client signals (session expiry, session assignment and
exchange outcomes) as server-sent events. With AGENTDESK_REDIS_ADDR set it
relays the signals of every agentdesk process sharing the events channel.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = envConfig.MetricsAddr
		}
		if addr == "" {
			addr = defaultOpsAddr
		}

		client, err := mustClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		log.Info().Str("server", client.Context.Server).Msg("relaying client signals")
		return api.NewServer(api.Options{Bus: client.Bus, Version: Version}).Run(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default AGENTDESK_METRICS_ADDR or :9464)")
}
