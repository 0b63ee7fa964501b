package rules

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("rules.service",
	fx.Provide(NewService),
	fx.Invoke(seedDefaults),
)

func seedDefaults(lc fx.Lifecycle, svc *Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.EnsureDefaults(ctx)
		},
	})
}
