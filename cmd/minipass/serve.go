package main

import (
	"github.com/smallbiznis/minipass/internal/audit"
	"github.com/smallbiznis/minipass/internal/clock"
	"github.com/smallbiznis/minipass/internal/config"
	"github.com/smallbiznis/minipass/internal/customer"
	deployerdocker "github.com/smallbiznis/minipass/internal/deployer/docker"
	"github.com/smallbiznis/minipass/internal/dockerclient"
	"github.com/smallbiznis/minipass/internal/gateway/stripe"
	"github.com/smallbiznis/minipass/internal/lock"
	"github.com/smallbiznis/minipass/internal/mailbox/dockermail"
	"github.com/smallbiznis/minipass/internal/migration"
	"github.com/smallbiznis/minipass/internal/observability"
	"github.com/smallbiznis/minipass/internal/providers/email"
	"github.com/smallbiznis/minipass/internal/provisioning"
	"github.com/smallbiznis/minipass/internal/ratelimit"
	"github.com/smallbiznis/minipass/internal/server"
	"github.com/smallbiznis/minipass/internal/webhook"
	"github.com/smallbiznis/minipass/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane API and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				controlPlane(),
				provisioning.SweeperModule,
				server.Module,
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

// controlPlane wires everything the orchestrator needs, without a transport.
func controlPlane() fx.Option {
	return fx.Options(
		// Core Infrastructure
		config.Module,
		observability.Module,
		withZapLogger(),
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,
		ratelimit.Module,

		// Collaborators
		stripe.Module,
		dockerclient.Module,
		deployerdocker.Module,
		dockermail.Module,
		email.Module,

		// Functional Domains
		customer.Module,
		audit.Module,
		webhook.Module,
		provisioning.Module,
	)
}
