package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/caskade-dev/caskade/internal/config"
	"github.com/caskade-dev/caskade/internal/server"
)

// ServeCommand starts the proxy server.
func ServeCommand(cfg *config.AppConfig, log *logrus.Logger) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		Long: `Start the reverse proxy. Client requests to any /v1/* path are
forwarded through the best available account, with automatic failover,
token refresh, and usage accounting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := server.New(cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8100", "listen address")
	return cmd
}
