package service

import (
	"github.com/smallbiznis/genledger/internal/config"
	quotadomain "github.com/smallbiznis/genledger/internal/quota/domain"
)

// CatalogSource reads entitlements and prices from the live generation catalog,
// so a reloaded file takes effect on the next submit.
type CatalogSource struct {
	holder *config.GenerationConfigHolder
}

func NewCatalogSource(holder *config.GenerationConfigHolder) quotadomain.EntitlementSource {
	return &CatalogSource{holder: holder}
}

func (c *CatalogSource) GetEntitlement(planID, model, variant string) (quotadomain.Entitlement, bool) {
	ent, ok := c.holder.Get().Entitlement(planID, model, variant)
	if !ok {
		return quotadomain.Entitlement{}, false
	}
	return quotadomain.Entitlement{
		PlanID:              planID,
		Model:               ent.Model,
		Variant:             ent.Variant,
		IncludedPerMonth:    ent.IncludedPerMonth,
		OveragePriceCredits: ent.OveragePriceCredits,
	}, true
}

func (c *CatalogSource) BasePrice(model, variant string) (int64, bool) {
	price, ok := c.holder.Get().Price(model, variant)
	if !ok {
		return 0, false
	}
	return price.Credits, true
}
