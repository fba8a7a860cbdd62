package docker

import (
	"github.com/smallbiznis/minipass/internal/deployer"
	"go.uber.org/fx"
)

var Module = fx.Module("deployer.docker",
	fx.Provide(
		fx.Annotate(New, fx.As(new(deployer.Deployer))),
	),
)
