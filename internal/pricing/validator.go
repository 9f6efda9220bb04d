// Package pricing resolves a package's pricing choice against a product's
// offerings and enforces per-currency budget limits.
package pricing

import (
	"strings"

	"github.com/adcontextprotocol/salesagent/internal/adcp"
	"github.com/adcontextprotocol/salesagent/internal/models"
)

// Resolve validates the pricing choice of one package against the product's
// options and the campaign currency, returning the resolved pricing for the
// adapter. All rejections carry code PRICING_ERROR.
func Resolve(pkg *adcp.PackageRequest, product *models.Product, campaignCurrency string) (*models.ResolvedPricing, error) {
	if len(product.PricingOptions) == 0 {
		return nil, models.NewAdCPError(models.CodePricingError,
			"product %s has no pricing options", product.ProductID)
	}

	var opt *models.PricingOption
	switch {
	case pkg.PricingOptionID != "":
		opt = findByOptionID(product, pkg.PricingOptionID)
		if opt == nil {
			return nil, models.NewAdCPError(models.CodePricingError,
				"pricing option %s not offered by product %s", pkg.PricingOptionID, product.ProductID)
		}
	case pkg.PricingModel != "":
		opt = findByModelCurrency(product, pkg.PricingModel, campaignCurrency)
		if opt == nil {
			return nil, models.NewAdCPError(models.CodePricingError,
				"product %s offers no %s pricing in %s", product.ProductID, pkg.PricingModel, campaignCurrency)
		}
	default:
		// Neither selector given: the product's first option in the
		// campaign currency wins.
		opt = product.FirstPricingOptionFor(campaignCurrency)
		if opt == nil {
			return nil, models.NewAdCPError(models.CodePricingError,
				"product %s offers no pricing in %s", product.ProductID, campaignCurrency)
		}
	}

	if opt.IsFixed {
		if opt.Rate <= 0 {
			return nil, models.NewAdCPError(models.CodePricingError,
				"fixed pricing option %s has no rate", opt.OptionID())
		}
	} else {
		if opt.PriceGuidance == nil {
			return nil, models.NewAdCPError(models.CodePricingError,
				"auction pricing option %s has no price guidance", opt.OptionID())
		}
		if pkg.BidPrice == 0 {
			return nil, models.NewAdCPError(models.CodePricingError,
				"auction pricing option %s requires bid_price", opt.OptionID())
		}
		if pkg.BidPrice < opt.PriceGuidance.Floor {
			return nil, models.NewAdCPError(models.CodePricingError,
				"bid_price %.2f is below floor price %.2f for option %s",
				pkg.BidPrice, opt.PriceGuidance.Floor, opt.OptionID())
		}
	}

	if opt.MinSpendPerPackage > 0 && pkg.Budget < opt.MinSpendPerPackage {
		return nil, models.NewAdCPError(models.CodePricingError,
			"package budget %.2f is below min_spend_per_package %.2f for option %s",
			pkg.Budget, opt.MinSpendPerPackage, opt.OptionID())
	}

	return &models.ResolvedPricing{
		PricingModel: opt.PricingModel,
		Rate:         opt.Rate,
		Currency:     opt.Currency,
		IsFixed:      opt.IsFixed,
		BidPrice:     pkg.BidPrice,
	}, nil
}

// CheckCurrencyLimits enforces the tenant's per-currency bounds on each
// package individually. The daily cap divides each package budget by the
// flight days, never aggregating across packages, so neither budget-splitting
// nor flight-lengthening can bypass it.
func CheckCurrencyLimits(limit *models.CurrencyLimit, budgets []float64, flightDays int) error {
	if limit == nil {
		return nil
	}
	if flightDays < 1 {
		flightDays = 1
	}
	for i, b := range budgets {
		if b <= 0 {
			return models.NewAdCPError(models.CodeInvalidBudget,
				"package %d budget must be positive, got %.2f", i, b)
		}
		if limit.MinPackageBudget > 0 && b < limit.MinPackageBudget {
			return models.NewAdCPError(models.CodeBudgetLimitExceeded,
				"package %d budget %.2f is below minimum %.2f %s",
				i, b, limit.MinPackageBudget, limit.Currency)
		}
		if limit.MaxDailyPackageSpend > 0 {
			daily := b / float64(flightDays)
			if daily > limit.MaxDailyPackageSpend {
				return models.NewAdCPError(models.CodeBudgetLimitExceeded,
					"package %d daily spend %.2f exceeds daily maximum %.2f %s",
					i, daily, limit.MaxDailyPackageSpend, limit.Currency)
			}
		}
	}
	return nil
}

// ResolveCampaignCurrency picks the campaign currency in precedence order:
// the first package's explicit pricing option, the product's first pricing
// option, the request field, then USD.
func ResolveCampaignCurrency(firstPkg *adcp.PackageRequest, firstProduct *models.Product, requestCurrency string) string {
	if firstPkg != nil && firstPkg.PricingOptionID != "" && firstProduct != nil {
		if opt := findByOptionID(firstProduct, firstPkg.PricingOptionID); opt != nil {
			return opt.Currency
		}
	}
	if firstProduct != nil && len(firstProduct.PricingOptions) > 0 {
		return firstProduct.PricingOptions[0].Currency
	}
	if requestCurrency != "" {
		return strings.ToUpper(requestCurrency)
	}
	return "USD"
}

func findByOptionID(product *models.Product, optionID string) *models.PricingOption {
	for i := range product.PricingOptions {
		if product.PricingOptions[i].OptionID() == strings.ToLower(optionID) {
			return &product.PricingOptions[i]
		}
	}
	return nil
}

func findByModelCurrency(product *models.Product, model, currency string) *models.PricingOption {
	for i := range product.PricingOptions {
		o := &product.PricingOptions[i]
		if strings.EqualFold(o.PricingModel, model) && strings.EqualFold(o.Currency, currency) {
			return o
		}
	}
	return nil
}
