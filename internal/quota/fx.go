package quota

import (
	"github.com/smallbiznis/genledger/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota.service",
	fx.Provide(service.NewCatalogSource),
	fx.Provide(service.NewService),
)
