package provisioning

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// runSweeper stops expired containers on a fixed interval for the lifetime of the app.
func runSweeper(lc fx.Lifecycle, svc *Service) {
	interval := svc.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				for {
					result, err := svc.SweepExpired(ctx)
					if err != nil {
						svc.log.Error("expiry sweep failed", zap.Error(err))
					} else if result.Stopped > 0 || result.Failed > 0 {
						svc.log.Info("expiry sweep finished", zap.Int("stopped", result.Stopped), zap.Int("failed", result.Failed))
					}

					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
