package reservation

import (
	"github.com/staylane/atrium/internal/reservation/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("reservation",
	fx.Provide(repository.Provide),
)
