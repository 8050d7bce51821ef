package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caskade-dev/caskade/internal/cli"
	"github.com/caskade-dev/caskade/internal/config"
	"github.com/caskade-dev/caskade/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "caskade",
	Short: "Caskade - LLM provider account broker and reverse proxy",
	Long: `Caskade pools multiple provider accounts behind one local endpoint.
Requests are routed to the best available account with automatic OAuth
token refresh, rate-limit failover, and per-request usage accounting.`,
}

// Set by compiler via -ldflags
var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func main() {
	appConfig, err := config.NewAppConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing config: %v\n", err)
		os.Exit(1)
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	log := logging.Setup(appConfig.LogFile, false)
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if verbose {
			log = logging.Setup(appConfig.LogFile, true)
		}
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Caskade\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Git Commit: %s\n", gitCommit)
			fmt.Printf("Build Time: %s\n", buildTime)
		},
	})

	rootCmd.AddCommand(cli.ServeCommand(appConfig, log))
	rootCmd.AddCommand(cli.AddCommand(appConfig))
	rootCmd.AddCommand(cli.LoginCommand(appConfig))
	rootCmd.AddCommand(cli.ListCommand(appConfig))
	rootCmd.AddCommand(cli.RemoveCommand(appConfig))
	rootCmd.AddCommand(cli.PauseCommand(appConfig))
	rootCmd.AddCommand(cli.ResumeCommand(appConfig))
	rootCmd.AddCommand(cli.SetPriorityCommand(appConfig))
	rootCmd.AddCommand(cli.ResetStatsCommand(appConfig))
	rootCmd.AddCommand(cli.ReauthListCommand(appConfig))
	rootCmd.AddCommand(cli.AnalyzeCommand(appConfig))
	rootCmd.AddCommand(cli.ClearHistoryCommand(appConfig))
	rootCmd.AddCommand(cli.TokenCommand(appConfig))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
