package stripe

import (
	"github.com/smallbiznis/minipass/internal/gateway"
	"go.uber.org/fx"
)

var Module = fx.Module("gateway.stripe",
	fx.Provide(
		fx.Annotate(New, fx.As(new(gateway.Gateway))),
	),
)
