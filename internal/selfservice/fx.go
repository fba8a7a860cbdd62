package selfservice

import (
	"github.com/smallbiznis/minipass/internal/config"
	"github.com/smallbiznis/minipass/internal/subscriptionstate"
	"go.uber.org/fx"
)

var Module = fx.Module("selfservice.service",
	fx.Provide(newStateStore),
	fx.Provide(New),
)

func newStateStore(cfg config.Config) *subscriptionstate.FileStore {
	return subscriptionstate.NewFileStore(cfg.Instance.StatePath)
}
