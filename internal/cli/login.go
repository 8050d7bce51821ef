package cli

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/caskade-dev/caskade/internal/config"
	"github.com/caskade-dev/caskade/internal/oauth"
	"github.com/caskade-dev/caskade/internal/provider"
)

// LoginCommand adds an account through the interactive OAuth flow.
func LoginCommand(cfg *config.AppConfig) *cobra.Command {
	var (
		providerName string
		mode         string
		tier         int
	)

	cmd := &cobra.Command{
		Use:   "login <name>",
		Short: "Add an account via OAuth",
		Long: `Start a PKCE authorization flow for a new account. Open the printed
URL in a browser, authorize, then paste the code back.

Modes:
  max      store the OAuth tokens; requests ride the subscription (default)
  console  mint a long-lived API key from the authorization and store that`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, _, err := openStores(cfg)
			if err != nil {
				return err
			}

			registry := provider.DefaultRegistry(&http.Client{Timeout: 30 * time.Second})
			adapter, ok := registry.ForName(providerName)
			if !ok {
				return fmt.Errorf("unknown provider: %s", providerName)
			}
			oa, ok := adapter.(provider.OAuthAdapter)
			if !ok {
				return fmt.Errorf("provider %s does not support oauth", providerName)
			}

			flow := oauth.NewFlow(accounts, cfg.ClientID, nil)
			begin, err := flow.Begin(args[0], oauth.Mode(mode), oa)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Open this URL in your browser and authorize:")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "  "+begin.AuthorizeURL)
			fmt.Fprintln(out)
			fmt.Fprint(out, "Paste the code here: ")

			reader := bufio.NewReader(cmd.InOrStdin())
			code, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read code: %w", err)
			}
			code = strings.TrimSpace(code)
			if code == "" {
				return fmt.Errorf("no code entered")
			}

			acct, err := flow.Complete(context.Background(), begin.SessionID, code, tier)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Added account %s (provider: %s, mode: %s)\n", acct.Name, acct.Provider, mode)
			return nil
		},
	}

	cmd.Flags().StringVar(&providerName, "provider", "anthropic", "provider tag")
	cmd.Flags().StringVar(&mode, "mode", string(oauth.ModeMax), "credential mode: max or console")
	cmd.Flags().IntVar(&tier, "tier", 1, "subscription tier (session multiplier)")
	return cmd
}
