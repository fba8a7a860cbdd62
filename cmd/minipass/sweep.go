package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/minipass/internal/provisioning"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Stop containers whose paid period has ended, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc *provisioning.Service
			app := fx.New(
				controlPlane(),
				fx.Populate(&svc),
			)
			if err := app.Err(); err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = app.Stop(context.Background()) }()

			result, err := svc.SweepExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped=%d failed=%d\n", result.Stopped, result.Failed)
			return nil
		},
	}
}
