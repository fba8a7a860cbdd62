package provisioning

import (
	"github.com/smallbiznis/minipass/internal/config"
	"github.com/smallbiznis/minipass/internal/subscriptionstate"
	webhookdomain "github.com/smallbiznis/minipass/internal/webhook/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("provisioning.service",
	fx.Provide(newStateDirectory),
	fx.Provide(New),
	fx.Provide(func(s *Service) webhookdomain.Handler { return s }),
)

// SweeperModule runs the periodic expiry sweep inside the serve process.
var SweeperModule = fx.Module("provisioning.sweeper",
	fx.Invoke(runSweeper),
)

func newStateDirectory(cfg config.Config) *subscriptionstate.Directory {
	return subscriptionstate.NewDirectory(cfg.Deploy.DataRoot)
}
