package dockermail

import (
	"github.com/smallbiznis/minipass/internal/mailbox"
	"go.uber.org/fx"
)

var Module = fx.Module("mailbox.dockermail",
	fx.Provide(
		fx.Annotate(New, fx.As(new(mailbox.Provisioner))),
	),
)
