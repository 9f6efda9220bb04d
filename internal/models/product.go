package models

import (
	"fmt"
	"strings"
)

// Pricing models offered by products.
const (
	PricingModelCPM  = "CPM"  // cost per thousand impressions
	PricingModelCPCV = "CPCV" // cost per completed view
	PricingModelCPP  = "CPP"  // cost per rating point
	PricingModelCPC  = "CPC"  // cost per click
	PricingModelFlat = "FLAT" // flat-rate sponsorship
)

// Delivery types for products.
const (
	DeliveryGuaranteed    = "guaranteed"
	DeliveryNonGuaranteed = "non_guaranteed"
)

// FormatRef identifies a creative format on a creative agent. Formats travel
// on the wire as {agent_url, id} objects, never bare strings.
type FormatRef struct {
	AgentURL string `json:"agent_url"`
	ID       string `json:"id"`
}

// PriceGuidance describes the distribution of clearing prices for an auction
// pricing option.
type PriceGuidance struct {
	Floor float64 `json:"floor"`
	P25   float64 `json:"p25,omitempty"`
	P50   float64 `json:"p50,omitempty"`
	P75   float64 `json:"p75,omitempty"`
	P90   float64 `json:"p90,omitempty"`
}

// PricingOption is one (model, currency, fixed/auction) tuple offered by a
// product. Invariant: IsFixed implies Rate is set; auction options carry
// PriceGuidance instead.
type PricingOption struct {
	PricingModel       string            `json:"pricing_model"`
	Currency           string            `json:"currency"`
	IsFixed            bool              `json:"is_fixed"`
	Rate               float64           `json:"rate,omitempty"`
	PriceGuidance      *PriceGuidance    `json:"price_guidance,omitempty"`
	MinSpendPerPackage float64           `json:"min_spend_per_package,omitempty"`
	// Parameters carries model-specific extras, e.g. the demographic a CPP
	// rating point is measured against.
	Parameters map[string]string `json:"parameters,omitempty"`
}

// OptionID returns the composite identifier buyers may reference:
// "{model}_{currency}_{fixed|auction}", lower-cased model.
func (o *PricingOption) OptionID() string {
	kind := "auction"
	if o.IsFixed {
		kind = "fixed"
	}
	return fmt.Sprintf("%s_%s_%s", strings.ToLower(o.PricingModel), strings.ToLower(o.Currency), kind)
}

// Product is a publisher-offered inventory unit within a tenant.
type Product struct {
	TenantID          string          `json:"tenant_id"`
	ProductID         string          `json:"product_id"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	DeliveryType      string          `json:"delivery_type"`
	MinSpend          float64         `json:"min_spend,omitempty"`
	Formats           []FormatRef     `json:"formats"`
	PricingOptions    []PricingOption `json:"pricing_options"`
	AutoCreateEnabled bool            `json:"auto_create_enabled"`
	Targeting         map[string]any  `json:"targeting,omitempty"`
}

// FirstPricingOptionFor returns the first pricing option matching the given
// currency, or nil when the product offers none in that currency.
func (p *Product) FirstPricingOptionFor(currency string) *PricingOption {
	for i := range p.PricingOptions {
		if strings.EqualFold(p.PricingOptions[i].Currency, currency) {
			return &p.PricingOptions[i]
		}
	}
	return nil
}

// SupportsCurrency reports whether any pricing option is denominated in the
// given currency.
func (p *Product) SupportsCurrency(currency string) bool {
	return p.FirstPricingOptionFor(currency) != nil
}
