package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/caskade-dev/caskade/internal/config"
	"github.com/caskade-dev/caskade/internal/typ"
)

// RemoveCommand deletes an account by name.
func RemoveCommand(cfg *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, _, err := openStores(cfg)
			if err != nil {
				return err
			}
			if err := accounts.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed account %s\n", args[0])
			return nil
		},
	}
}

// PauseCommand takes an account out of rotation.
func PauseCommand(cfg *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <name>",
		Short: "Pause an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return togglePause(cmd, cfg, args[0], true)
		},
	}
}

// ResumeCommand puts a paused account back in rotation.
func ResumeCommand(cfg *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <name>",
		Short: "Resume a paused account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return togglePause(cmd, cfg, args[0], false)
		},
	}
}

func togglePause(cmd *cobra.Command, cfg *config.AppConfig, name string, paused bool) error {
	accounts, _, err := openStores(cfg)
	if err != nil {
		return err
	}
	acct, err := accounts.GetByName(name)
	if err != nil {
		return err
	}
	if paused {
		err = accounts.Pause(acct.ID)
	} else {
		err = accounts.Resume(acct.ID)
	}
	if err != nil {
		return err
	}
	verb := "Resumed"
	if paused {
		verb = "Paused"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s account %s\n", verb, name)
	return nil
}

// SetPriorityCommand updates an account's scheduling priority.
func SetPriorityCommand(cfg *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "set-priority <name> <priority>",
		Short: "Set account priority, 0 (highest) to 100",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid priority %q: %w", args[1], err)
			}
			accounts, _, err := openStores(cfg)
			if err != nil {
				return err
			}
			acct, err := accounts.GetByName(args[0])
			if err != nil {
				return err
			}
			if err := accounts.SetPriority(acct.ID, priority); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %s priority set to %d\n", args[0], priority)
			return nil
		},
	}
}

// ResetStatsCommand zeroes the per-account usage counters.
func ResetStatsCommand(cfg *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-stats",
		Short: "Reset all account usage counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, _, err := openStores(cfg)
			if err != nil {
				return err
			}
			if err := accounts.ResetStats(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Usage counters reset")
			return nil
		},
	}
}

// ReauthListCommand prints the accounts waiting for re-authentication.
func ReauthListCommand(cfg *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "needs-reauth",
		Short: "List accounts whose refresh tokens were rejected",
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, _, err := openStores(cfg)
			if err != nil {
				return err
			}
			stale, err := accounts.NeedsReauth()
			if err != nil {
				return err
			}
			if len(stale) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "All accounts are authenticated.")
				return nil
			}
			for i := range stale {
				printReauthHint(cmd, &stale[i])
			}
			return nil
		},
	}
}

func printReauthHint(cmd *cobra.Command, a *typ.Account) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s (provider: %s) — run 'caskade remove %s' then 'caskade login %s'\n",
		a.Name, a.Provider, a.Name, a.Name)
}
