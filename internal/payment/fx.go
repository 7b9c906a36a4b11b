package payment

import (
	"context"

	"github.com/staylane/atrium/internal/config"
	"github.com/staylane/atrium/internal/payment/provider"
	"github.com/staylane/atrium/internal/payment/repository"
	"github.com/staylane/atrium/internal/payment/retry"
	"github.com/staylane/atrium/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment",
	fx.Provide(
		provider.NewVerifier,
		repository.Provide,
		service.New,
		retry.New,
	),
	fx.Invoke(startPoller),
)

func startPoller(lc fx.Lifecycle, cfg config.Config, poller *retry.Poller) {
	if !cfg.RetryPollEnabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			poller.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			poller.Stop()
			return nil
		},
	})
}
