package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/caskade-dev/caskade/internal/config"
)

// AnalyzeCommand aggregates recorded usage.
func AnalyzeCommand(cfg *config.AppConfig) *cobra.Command {
	var (
		groupBy    string
		sinceHours int
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Summarise recorded usage",
		Long:  `Aggregate the request history by model, account, or day.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, requests, err := openStores(cfg)
			if err != nil {
				return err
			}

			var since time.Time
			if sinceHours > 0 {
				since = time.Now().Add(-time.Duration(sinceHours) * time.Hour)
			}
			summaries, err := requests.Analyze(groupBy, since)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No usage recorded yet.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tREQUESTS\tINPUT\tOUTPUT\tTOTAL\tCOST(USD)\tERRORS\tAVG MS")
			fmt.Fprintln(w, "---\t--------\t-----\t------\t-----\t---------\t------\t------")
			for _, s := range summaries {
				key := s.Key
				if key == "" {
					key = "(unknown)"
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.4f\t%d\t%.0f\n",
					key, s.RequestCount, s.InputTokens, s.OutputTokens,
					s.TotalTokens, s.CostUSD, s.ErrorCount, s.AvgLatencyMs)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&groupBy, "group-by", "model", "aggregation key: model, account, or daily")
	cmd.Flags().IntVar(&sinceHours, "since-hours", 0, "only include requests from the last N hours (0 = all)")
	return cmd
}

// ClearHistoryCommand deletes the recorded request history.
func ClearHistoryCommand(cfg *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-history",
		Short: "Delete all recorded request history",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, requests, err := openStores(cfg)
			if err != nil {
				return err
			}
			if err := requests.ClearHistory(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Request history cleared")
			return nil
		},
	}
}
