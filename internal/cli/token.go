package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caskade-dev/caskade/internal/auth"
	"github.com/caskade-dev/caskade/internal/config"
)

// TokenCommand generates a management API token.
func TokenCommand(cfg *config.AppConfig) *cobra.Command {
	var clientID string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate a management API token",
		Long: `Generate a JWT for the /manage/api endpoints. Requires api_secret to
be set in the config file; without one the management API is open.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.APISecret == "" {
				return fmt.Errorf("api_secret is not set in %s/config.yaml", cfg.BaseDir())
			}
			token, err := auth.NewJWTManager(cfg.APISecret).GenerateToken(clientID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", "cli", "client identifier embedded in the token")
	return cmd
}
