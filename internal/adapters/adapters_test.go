package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

func createReq() *CreateRequest {
	return &CreateRequest{
		MediaBuy: &models.MediaBuy{MediaBuyID: "mb_abc", TenantID: "t1"},
		Packages: []*models.MediaPackage{
			{PackageID: "pkg_video_aa_0", ProductID: "video", Budget: 1000},
			{PackageID: "pkg_audio_bb_1", ProductID: "audio", Budget: 500},
		},
		AdvertiserID: "adv-1",
	}
}

func TestFactoryFallsBackToMock(t *testing.T) {
	for _, adServer := range []string{"", "something_unknown", models.AdServerMock} {
		a := New(&models.Tenant{TenantID: "t1", AdServer: adServer}, zap.NewNop())
		assert.Equal(t, models.AdServerMock, a.Name(), "ad_server=%q", adServer)
	}
}

func TestFactorySelectsConfiguredAdapter(t *testing.T) {
	cases := map[string]string{
		models.AdServerGAM:    models.AdServerGAM,
		models.AdServerKevel:  models.AdServerKevel,
		models.AdServerTriton: models.AdServerTriton,
	}
	for adServer, want := range cases {
		a := New(&models.Tenant{TenantID: "t1", AdServer: adServer}, zap.NewNop())
		assert.Equal(t, want, a.Name())
	}
}

func TestMockCreateEchoesEveryPackageID(t *testing.T) {
	a := newMock(nil, zap.NewNop())
	res, err := a.CreateMediaBuy(context.Background(), createReq())
	require.NoError(t, err)
	assert.NotEmpty(t, res.PlatformOrderID)
	require.Len(t, res.Packages, 2)
	assert.Equal(t, "pkg_video_aa_0", res.Packages[0].PackageID)
	assert.Equal(t, "pkg_audio_bb_1", res.Packages[1].PackageID)
	for _, p := range res.Packages {
		assert.NotEmpty(t, p.PlatformLineItemID)
	}
}

func TestMockManualApprovalFromConfig(t *testing.T) {
	a := newMock(map[string]any{"manual_approval_required": true, "manual_approval_create": true}, zap.NewNop())
	assert.True(t, a.ManualApprovalRequired())
	assert.Contains(t, a.ManualApprovalOperations(), "create_media_buy")
}

func TestGAMRequiresConfiguration(t *testing.T) {
	a := newGAM(nil, zap.NewNop())
	_, err := a.CreateMediaBuy(context.Background(), createReq())
	var ae *models.AdCPError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, models.CodeInvalidConfiguration, ae.Code)

	a = newGAM(map[string]any{"network_code": "12345"}, zap.NewNop())
	req := createReq()
	req.AdvertiserID = ""
	_, err = a.CreateMediaBuy(context.Background(), req)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, models.CodeInvalidConfiguration, ae.Code)

	res, err := a.CreateMediaBuy(context.Background(), createReq())
	require.NoError(t, err)
	assert.Contains(t, res.PlatformOrderID, "gam-12345-order-")
	assert.Contains(t, a.ManualApprovalOperations(), "create_media_buy")
}

func TestTritonAlwaysManual(t *testing.T) {
	a := newTriton(nil, zap.NewNop())
	assert.True(t, a.ManualApprovalRequired())
	assert.Equal(t, []string{models.PricingModelCPM}, a.GetSupportedPricingModels())
}

// slowAdapter blocks until its context is cancelled.
type slowAdapter struct{ *mockAdapter }

func (s *slowAdapter) CreateMediaBuy(ctx context.Context, req *CreateRequest) (*CreateResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWrapTimeoutBecomesAdapterTimeout(t *testing.T) {
	w := Wrap(&slowAdapter{newMock(nil, zap.NewNop())}, 20*time.Millisecond, zap.NewNop())
	_, err := w.CreateMediaBuy(context.Background(), createReq())

	var ae *models.AdCPError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, models.CodeAdapterTimeout, ae.Code)
}

// failingAdapter always errors.
type failingAdapter struct{ *mockAdapter }

func (f *failingAdapter) ApproveOrder(ctx context.Context, platformOrderID string) error {
	return errors.New("platform 500")
}

func TestWrapBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	w := Wrap(&failingAdapter{newMock(nil, zap.NewNop())}, time.Second, zap.NewNop())

	for i := 0; i < 5; i++ {
		err := w.ApproveOrder(context.Background(), "order-1")
		require.Error(t, err)
		var ae *models.AdCPError
		assert.False(t, errors.As(err, &ae), "plain failures keep their original error")
	}

	err := w.ApproveOrder(context.Background(), "order-1")
	var ae *models.AdCPError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, models.CodeAdapterTimeout, ae.Code)
	assert.Contains(t, ae.Message, "temporarily unavailable")
}

func TestWrapPassesThroughSuccess(t *testing.T) {
	w := Wrap(newMock(nil, zap.NewNop()), time.Second, zap.NewNop())
	res, err := w.CreateMediaBuy(context.Background(), createReq())
	require.NoError(t, err)
	assert.Len(t, res.Packages, 2)
	assert.Equal(t, models.AdServerMock, w.Name())
}
