package agentcli

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/oremus-labs/agentdesk/config"
	"github.com/oremus-labs/agentdesk/internal/credentials"
	"github.com/oremus-labs/agentdesk/internal/logutil"
)

// Version is stamped by the build.
var Version = "dev"

var (
	cfgFile         string
	credentialsFile string
	contextName     string
	overrideURL     string
	overrideToken   string
	outputFormat    string
	logLevel        string

	appConfig *Config
	envConfig *config.Config
)

// Execute runs the CLI.
func Execute() error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	err := rootCmd.Execute()
	if err != nil {
		printError(rootCmd.ErrOrStderr(), err)
	}
	return err
}

var rootCmd = &cobra.Command{
	Use:   "agentdesk",
	Short: "Chat with the agentdesk backend from the terminal",
	Long: `agentdesk streams chat replies from an agentdesk backend and manages
sessions, transcripts and LLM configurations.
Connection settings live in named contexts (see 'agentdesk config set-context');
without one the AGENTDESK_* environment is used.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		envConfig, err = config.Load()
		if err != nil {
			return err
		}
		level := envConfig.LogLevel
		if logLevel != "" {
			level = logLevel
		}
		if err := logutil.Setup(level, envConfig.LogFormat, cmd.ErrOrStderr()); err != nil {
			return err
		}
		// Config commands load/save the file manually.
		if strings.HasPrefix(cmd.CommandPath(), "agentdesk config") {
			return nil
		}
		appConfig, err = LoadConfig(cfgFile)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath(), "Path to the agentdesk config file")
	rootCmd.PersistentFlags().StringVar(&credentialsFile, "credentials", credentials.DefaultFilePath(), "Path to the stored credentials file")
	rootCmd.PersistentFlags().StringVar(&contextName, "context", "", "Context name to use (overrides current)")
	rootCmd.PersistentFlags().StringVar(&overrideURL, "server", "", "Override API base URL")
	rootCmd.PersistentFlags().StringVar(&overrideToken, "token", "", "Override bearer token")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table|json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides AGENTDESK_LOG_LEVEL)")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(llmConfigCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

// resolvedContext merges config state with flag overrides. With no contexts
// configured at all, an implicit "default" context on the environment's base
// URL is used.
func resolvedContext() (*Context, error) {
	if appConfig == nil || envConfig == nil {
		return nil, errors.New("configuration not loaded")
	}
	ctxName := contextName
	if ctxName == "" {
		ctxName = appConfig.CurrentContext
	}
	ctx, ok := appConfig.Contexts[ctxName]
	if !ok {
		if ctxName != "" {
			return nil, errors.Errorf("context %q not found; use 'agentdesk config set-context'", ctxName)
		}
		ctx = Context{Name: "default"}
	}
	if overrideURL != "" {
		ctx.Server = overrideURL
	}
	if overrideToken != "" {
		ctx.Token = overrideToken
	}
	if ctx.Server == "" {
		ctx.Server = envConfig.BaseURL
	}
	ctx.Server = strings.TrimRight(ctx.Server, "/")
	return &ctx, nil
}

func writeOutput(cmd *cobra.Command, data interface{}) (bool, error) {
	switch strings.ToLower(outputFormat) {
	case "json":
		return true, printJSON(cmd.OutOrStdout(), data)
	case "table", "":
		// Table is handled by the caller.
		return false, nil
	default:
		return false, errors.Errorf("unsupported output format %q", outputFormat)
	}
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
}
