package agentcli

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/oremus-labs/agentdesk/internal/backend"
)

var llmConfigCmd = &cobra.Command{
	Use:     "llm-config",
	Aliases: []string{"llm"},
	Short:   "Manage model provider configurations",
}

// masked returns copies safe to print.
func masked(cfgs ...backend.LLMConfig) []backend.LLMConfig {
	out := make([]backend.LLMConfig, 0, len(cfgs))
	for _, c := range cfgs {
		c.APIKey = c.MaskedKey()
		out = append(out, c)
	}
	return out
}

func printLLMConfigs(cmd *cobra.Command, cfgs []backend.LLMConfig, single bool) error {
	cfgs = masked(cfgs...)
	var data interface{} = cfgs
	if single && len(cfgs) == 1 {
		data = cfgs[0]
	}
	if handled, err := writeOutput(cmd, data); handled || err != nil {
		return err
	}
	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintln(tw, "ID\tNAME\tPROVIDER\tMODEL\tDEFAULT\tAPI KEY\tBASE URL")
	for _, c := range cfgs {
		def := ""
		if c.IsDefault {
			def = "*"
		}
		base := c.APIBaseURL
		if base == "" {
			base = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Provider, c.ModelName, def, c.APIKey, base)
	}
	flushTable(tw)
	return nil
}

var llmConfigListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configurations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := mustClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		cfgs, err := client.Backend.ListLLMConfigs(cmd.Context())
		if err != nil {
			return err
		}
		return printLLMConfigs(cmd, cfgs, false)
	},
}

var llmConfigGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := mustClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		cfg, err := client.Backend.GetLLMConfig(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printLLMConfigs(cmd, []backend.LLMConfig{cfg}, true)
	},
}

var llmConfigDefaultCmd = &cobra.Command{
	Use:   "default",
	Short: "Show the default configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := mustClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		cfg, err := client.Backend.DefaultLLMConfig(cmd.Context())
		if err != nil {
			return err
		}
		return printLLMConfigs(cmd, []backend.LLMConfig{cfg}, true)
	},
}

var llmConfigCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := backend.LLMConfig{Name: args[0]}
		cfg.Provider, _ = cmd.Flags().GetString("provider")
		cfg.ModelName, _ = cmd.Flags().GetString("model")
		cfg.APIKey, _ = cmd.Flags().GetString("api-key")
		cfg.APIBaseURL, _ = cmd.Flags().GetString("base-url")
		cfg.IsDefault, _ = cmd.Flags().GetBool("default")
		if cfg.Provider == "" || cfg.ModelName == "" {
			return errors.New("--provider and --model are required")
		}

		client, err := mustClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		created, err := client.Backend.CreateLLMConfig(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		return printLLMConfigs(cmd, []backend.LLMConfig{created}, true)
	},
}

var llmConfigUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update the given fields of a configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var update backend.LLMConfigUpdate
		flags := cmd.Flags()
		for flag, dst := range map[string]**string{
			"name":     &update.Name,
			"provider": &update.Provider,
			"model":    &update.ModelName,
			"api-key":  &update.APIKey,
			"base-url": &update.APIBaseURL,
		} {
			if flags.Changed(flag) {
				v, _ := flags.GetString(flag)
				*dst = &v
			}
		}
		if flags.Changed("default") {
			v, _ := flags.GetBool("default")
			update.IsDefault = &v
		}
		if update == (backend.LLMConfigUpdate{}) {
			return errors.New("nothing to update; pass at least one field flag")
		}

		client, err := mustClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		updated, err := client.Backend.UpdateLLMConfig(cmd.Context(), args[0], update)
		if err != nil {
			return err
		}
		return printLLMConfigs(cmd, []backend.LLMConfig{updated}, true)
	},
}

var llmConfigDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			ok, err := confirmPrompt(fmt.Sprintf("Delete LLM config %s?", args[0]), cmd.InOrStdin(), cmd.ErrOrStderr())
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
		if err := client.Backend.DeleteLLMConfig(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "LLM config %s deleted.\n", args[0])
		return nil
	},
}

var llmConfigProvidersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the providers the backend supports",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := mustClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		providers, err := client.Backend.LLMProviders(cmd.Context())
		if err != nil {
			return err
		}
		if handled, err := writeOutput(cmd, providers); handled || err != nil {
			return err
		}
		names := make([]string, 0, len(providers))
		for name := range providers {
			names = append(names, name)
		}
		sort.Strings(names)
		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintln(tw, "PROVIDER\tDETAILS")
		for _, name := range names {
			fmt.Fprintf(tw, "%s\t%s\n", name, truncate(fmt.Sprint(providers[name]), 72))
		}
		flushTable(tw)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{llmConfigCreateCmd, llmConfigUpdateCmd} {
		c.Flags().String("provider", "", "Provider id, e.g. openai")
		c.Flags().String("model", "", "Model name")
		c.Flags().String("api-key", "", "Provider API key")
		c.Flags().String("base-url", "", "Override the provider API base URL")
		c.Flags().Bool("default", false, "Make this the default configuration")
	}
	llmConfigUpdateCmd.Flags().String("name", "", "New display name")
	llmConfigDeleteCmd.Flags().Bool("force", false, "Skip the confirmation prompt")

	llmConfigCmd.AddCommand(llmConfigListCmd)
	llmConfigCmd.AddCommand(llmConfigGetCmd)
	llmConfigCmd.AddCommand(llmConfigDefaultCmd)
	llmConfigCmd.AddCommand(llmConfigCreateCmd)
	llmConfigCmd.AddCommand(llmConfigUpdateCmd)
	llmConfigCmd.AddCommand(llmConfigDeleteCmd)
	llmConfigCmd.AddCommand(llmConfigProvidersCmd)
}
