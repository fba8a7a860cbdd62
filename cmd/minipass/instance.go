package main

import (
	"github.com/smallbiznis/minipass/internal/auth/session"
	"github.com/smallbiznis/minipass/internal/clock"
	"github.com/smallbiznis/minipass/internal/config"
	"github.com/smallbiznis/minipass/internal/gateway/stripe"
	"github.com/smallbiznis/minipass/internal/observability"
	"github.com/smallbiznis/minipass/internal/ratelimit"
	"github.com/smallbiznis/minipass/internal/selfservice"
	"github.com/smallbiznis/minipass/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newInstanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "instance",
		Short: "Run the self-service API inside a customer container",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				config.Module,
				observability.Module,
				withZapLogger(),
				clock.Module,
				ratelimit.Module,
				stripe.Module,
				session.Module,
				selfservice.Module,
				server.InstanceModule,
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}
