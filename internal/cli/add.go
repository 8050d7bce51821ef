package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caskade-dev/caskade/internal/config"
	"github.com/caskade-dev/caskade/internal/typ"
)

// AddCommand adds an API-key account.
func AddCommand(cfg *config.AppConfig) *cobra.Command {
	var (
		providerName   string
		apiKey         string
		priority       int
		customEndpoint string
		modelMappings  string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add an API-key account",
		Long: `Add an account that authenticates with a static API key.
For OAuth accounts use 'caskade login' instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, _, err := openStores(cfg)
			if err != nil {
				return err
			}

			acct := &typ.Account{
				Name:           args[0],
				Provider:       providerName,
				APIKey:         apiKey,
				Priority:       priority,
				CustomEndpoint: customEndpoint,
				ModelMappings:  modelMappings,
			}
			if err := accounts.Insert(acct); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added account %s (provider: %s)\n", acct.Name, acct.Provider)
			return nil
		},
	}

	cmd.Flags().StringVar(&providerName, "provider", "anthropic", "provider tag (anthropic, zai, openrouter, kilo, openai-compatible, anthropic-compatible)")
	cmd.Flags().StringVar(&apiKey, "key", "", "API key")
	cmd.Flags().IntVar(&priority, "priority", 0, "scheduling priority, 0 (highest) to 100")
	cmd.Flags().StringVar(&customEndpoint, "endpoint", "", "custom base URL overriding the provider default")
	cmd.Flags().StringVar(&modelMappings, "model-mappings", "", `model rewrite map as JSON, e.g. '{"claude-sonnet-4":"glm-4.6"}'`)
	cmd.MarkFlagRequired("key")
	return cmd
}
