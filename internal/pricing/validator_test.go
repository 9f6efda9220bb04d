package pricing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adcontextprotocol/salesagent/internal/adcp"
	"github.com/adcontextprotocol/salesagent/internal/models"
)

func testProduct() *models.Product {
	return &models.Product{
		TenantID:  "tenant1",
		ProductID: "prod_video",
		Name:      "Video Preroll",
		PricingOptions: []models.PricingOption{
			{PricingModel: models.PricingModelCPM, Currency: "USD", IsFixed: true, Rate: 25, MinSpendPerPackage: 1000},
			{PricingModel: models.PricingModelCPM, Currency: "USD", IsFixed: false, PriceGuidance: &models.PriceGuidance{Floor: 10, P50: 14}},
			{PricingModel: models.PricingModelCPM, Currency: "EUR", IsFixed: true, Rate: 22},
		},
	}
}

func TestResolveByOptionID(t *testing.T) {
	p := testProduct()
	rp, err := Resolve(&adcp.PackageRequest{PricingOptionID: "cpm_usd_fixed", Budget: 5000}, p, "USD")
	require.NoError(t, err)
	assert.Equal(t, models.PricingModelCPM, rp.PricingModel)
	assert.Equal(t, 25.0, rp.Rate)
	assert.True(t, rp.IsFixed)
	assert.Equal(t, "USD", rp.Currency)
}

func TestResolveByModelAndCurrency(t *testing.T) {
	p := testProduct()
	rp, err := Resolve(&adcp.PackageRequest{PricingModel: "cpm", Budget: 5000}, p, "EUR")
	require.NoError(t, err)
	assert.Equal(t, "EUR", rp.Currency)
	assert.Equal(t, 22.0, rp.Rate)
}

func TestResolveDefaultsToFirstCurrencyMatch(t *testing.T) {
	p := testProduct()
	rp, err := Resolve(&adcp.PackageRequest{Budget: 5000}, p, "USD")
	require.NoError(t, err)
	assert.Equal(t, 25.0, rp.Rate)
}

func TestResolveNoOptions(t *testing.T) {
	p := &models.Product{ProductID: "prod_empty"}
	_, err := Resolve(&adcp.PackageRequest{Budget: 100}, p, "USD")
	requirePricingError(t, err)
}

func TestResolveUnknownOptionID(t *testing.T) {
	_, err := Resolve(&adcp.PackageRequest{PricingOptionID: "cpc_usd_fixed", Budget: 5000}, testProduct(), "USD")
	requirePricingError(t, err)
}

func TestResolveCurrencyMismatch(t *testing.T) {
	_, err := Resolve(&adcp.PackageRequest{PricingModel: "CPM", Budget: 5000}, testProduct(), "JPY")
	requirePricingError(t, err)
}

func TestResolveAuctionRequiresBid(t *testing.T) {
	_, err := Resolve(&adcp.PackageRequest{PricingOptionID: "cpm_usd_auction", Budget: 5000}, testProduct(), "USD")
	requirePricingError(t, err)
}

func TestResolveBidBelowFloor(t *testing.T) {
	_, err := Resolve(&adcp.PackageRequest{PricingOptionID: "cpm_usd_auction", BidPrice: 9.5, Budget: 5000}, testProduct(), "USD")
	requirePricingError(t, err)
	assert.Contains(t, err.Error(), "below floor price")
}

func TestResolveBidAtFloorAccepted(t *testing.T) {
	rp, err := Resolve(&adcp.PackageRequest{PricingOptionID: "cpm_usd_auction", BidPrice: 10, Budget: 5000}, testProduct(), "USD")
	require.NoError(t, err)
	assert.False(t, rp.IsFixed)
	assert.Equal(t, 10.0, rp.BidPrice)
}

func TestResolveFixedWithoutRate(t *testing.T) {
	p := &models.Product{
		ProductID: "prod_bad",
		PricingOptions: []models.PricingOption{
			{PricingModel: models.PricingModelCPM, Currency: "USD", IsFixed: true},
		},
	}
	_, err := Resolve(&adcp.PackageRequest{Budget: 100}, p, "USD")
	requirePricingError(t, err)
}

func TestResolveMinSpendPerPackage(t *testing.T) {
	// Below the option minimum is rejected; exactly at it is accepted.
	_, err := Resolve(&adcp.PackageRequest{PricingOptionID: "cpm_usd_fixed", Budget: 999}, testProduct(), "USD")
	requirePricingError(t, err)

	_, err = Resolve(&adcp.PackageRequest{PricingOptionID: "cpm_usd_fixed", Budget: 1000}, testProduct(), "USD")
	require.NoError(t, err)
}

func TestCheckCurrencyLimits(t *testing.T) {
	limit := &models.CurrencyLimit{
		TenantID:             "tenant1",
		Currency:             "USD",
		MinPackageBudget:     500,
		MaxDailyPackageSpend: 1000,
	}

	// 7000 over 7 days = 1000/day, exactly at the cap.
	if err := CheckCurrencyLimits(limit, []float64{7000}, 7); err != nil {
		t.Fatalf("at-cap budget rejected: %v", err)
	}

	// 7000 over 5 days = 1400/day.
	err := CheckCurrencyLimits(limit, []float64{7000}, 5)
	if err == nil {
		t.Fatal("expected daily-cap rejection")
	}
	var ae *models.AdCPError
	if !errors.As(err, &ae) || ae.Code != models.CodeBudgetLimitExceeded {
		t.Fatalf("expected budget_limit_exceeded, got %v", err)
	}
	assert.Contains(t, ae.Message, "daily maximum")

	// The cap applies per package: two conforming packages pass even though
	// their sum would not.
	if err := CheckCurrencyLimits(limit, []float64{7000, 7000}, 7); err != nil {
		t.Fatalf("per-package budgets rejected: %v", err)
	}

	// Below the per-package floor.
	err = CheckCurrencyLimits(limit, []float64{400}, 7)
	if !errors.As(err, &ae) || ae.Code != models.CodeBudgetLimitExceeded {
		t.Fatalf("expected budget_limit_exceeded for min budget, got %v", err)
	}
}

func TestCheckCurrencyLimitsRejectsNonPositive(t *testing.T) {
	err := CheckCurrencyLimits(&models.CurrencyLimit{Currency: "USD"}, []float64{0}, 7)
	var ae *models.AdCPError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, models.CodeInvalidBudget, ae.Code)
}

func TestCheckCurrencyLimitsNilLimit(t *testing.T) {
	assert.NoError(t, CheckCurrencyLimits(nil, []float64{1}, 1))
}

func TestResolveCampaignCurrency(t *testing.T) {
	p := testProduct()
	eur := &adcp.PackageRequest{PricingOptionID: "cpm_eur_fixed"}

	assert.Equal(t, "EUR", ResolveCampaignCurrency(eur, p, "USD"))
	assert.Equal(t, "USD", ResolveCampaignCurrency(&adcp.PackageRequest{}, p, "JPY"))
	assert.Equal(t, "JPY", ResolveCampaignCurrency(nil, nil, "jpy"))
	assert.Equal(t, "USD", ResolveCampaignCurrency(nil, nil, ""))
}

func requirePricingError(t *testing.T, err error) {
	t.Helper()
	var ae *models.AdCPError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AdCPError, got %v", err)
	}
	if ae.Code != models.CodePricingError {
		t.Fatalf("expected PRICING_ERROR, got %s", ae.Code)
	}
}
