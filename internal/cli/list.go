package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/caskade-dev/caskade/internal/config"
)

// ListCommand lists all accounts with their health and usage.
func ListCommand(cfg *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, _, err := openStores(cfg)
			if err != nil {
				return err
			}
			all, err := accounts.List()
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No accounts configured. Use 'caskade add' or 'caskade login' to add one.")
				return nil
			}

			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPROVIDER\tAUTH\tPRIO\tTIER\tSESSION\tTOTAL\tSTATUS")
			fmt.Fprintln(w, "----\t--------\t----\t----\t----\t-------\t-----\t------")
			for i := range all {
				a := &all[i]
				auth := "api-key"
				if a.IsOAuth() {
					auth = "oauth"
				}
				status := "ok"
				switch {
				case a.Paused:
					status = "paused"
				case a.NeedsReauth():
					status = "needs re-auth"
				case a.IsRateLimited(now):
					status = "rate-limited until " + time.UnixMilli(a.RateLimitedUntil).Format("15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					a.Name, a.Provider, auth, a.Priority, a.AccountTier,
					a.SessionRequestCount, a.TotalRequests, status)
			}
			return w.Flush()
		},
	}
}
