package models

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// MediaBuy statuses. Transitions are owned by DetermineMediaBuyStatus and the
// approval path; adapters must not invent their own.
const (
	MediaBuyStatusPendingApproval = "pending_approval"
	MediaBuyStatusReady           = "ready"
	MediaBuyStatusActive          = "active"
	MediaBuyStatusNeedsCreatives  = "needs_creatives"
	MediaBuyStatusPaused          = "paused"
	MediaBuyStatusCompleted       = "completed"
	MediaBuyStatusFailed          = "failed"
)

// MediaPackage statuses. Distinct from workflow step statuses; the two must
// never be conflated.
const (
	PackageStatusDraft     = "draft"
	PackageStatusActive    = "active"
	PackageStatusPaused    = "paused"
	PackageStatusCompleted = "completed"
)

// MediaBuy is a campaign order aggregating one or more packages. The id is
// server-generated and permanent from the first creation attempt, including
// the pending-approval branch.
type MediaBuy struct {
	MediaBuyID  string          `json:"media_buy_id"`
	TenantID    string          `json:"tenant_id"`
	PrincipalID string          `json:"principal_id"`
	BuyerRef    string          `json:"buyer_ref"`
	PONumber    string          `json:"po_number,omitempty"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     time.Time       `json:"end_time"`
	Budget      float64         `json:"budget"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	// PlatformOrderID is assigned by the ad server after creation; empty while
	// pending approval.
	PlatformOrderID string `json:"platform_order_id,omitempty"`
	// RawRequest round-trips the original create request for post-approval
	// execution. Reads prefer the typed columns.
	RawRequest json.RawMessage `json:"raw_request,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// FlightDays returns the flight length in whole days, at least 1.
func (m *MediaBuy) FlightDays() int {
	return FlightDays(m.StartTime, m.EndTime)
}

// FlightDays computes the number of charged days in a flight window.
func FlightDays(start, end time.Time) int {
	d := int(end.Sub(start).Hours() / 24)
	if d < 1 {
		return 1
	}
	return d
}

// MediaPackage is a line-item-equivalent within a media buy, tied to one
// product and one pricing option. Budget, BidPrice and Pacing are written to
// dedicated columns in lock-step with the PackageConfig JSON blob.
type MediaPackage struct {
	PackageID    string          `json:"package_id"`
	MediaBuyID   string          `json:"media_buy_id"`
	TenantID     string          `json:"tenant_id"`
	ProductID    string          `json:"product_id"`
	Budget       float64         `json:"budget"`
	PricingModel string          `json:"pricing_model"`
	BidPrice     float64         `json:"bid_price,omitempty"`
	Pacing       string          `json:"pacing,omitempty"`
	Impressions  int64           `json:"impressions,omitempty"`
	Targeting    map[string]any  `json:"targeting_overlay,omitempty"`
	CreativeIDs  []string        `json:"creative_ids,omitempty"`
	// Status is nullable on persist; the pending-approval branch sanitizes
	// it to empty so the post-approval run assigns the real one.
	Status        string          `json:"status,omitempty"`
	PackageConfig json.RawMessage `json:"package_config,omitempty"`
	// PlatformLineItemID is assigned by the ad server after creation.
	PlatformLineItemID string `json:"platform_line_item_id,omitempty"`
}

// ResolvedPricing is the outcome of pricing validation, keyed by package id
// and handed to the adapter on create.
type ResolvedPricing struct {
	PricingModel string  `json:"pricing_model"`
	Rate         float64 `json:"rate,omitempty"`
	Currency     string  `json:"currency"`
	IsFixed      bool    `json:"is_fixed"`
	BidPrice     float64 `json:"bid_price,omitempty"`
}

// StatusInputs are the facts DetermineMediaBuyStatus decides from. The same
// inputs always yield the same status.
type StatusInputs struct {
	ManualApprovalRequired bool
	HasCreatives           bool
	CreativesApproved      bool
	Now                    time.Time
	StartTime              time.Time
	EndTime                time.Time
}

// DetermineMediaBuyStatus is the single source of truth for a media buy's
// status.
func DetermineMediaBuyStatus(in StatusInputs) string {
	switch {
	case in.ManualApprovalRequired:
		return MediaBuyStatusPendingApproval
	case !in.HasCreatives || !in.CreativesApproved:
		return MediaBuyStatusNeedsCreatives
	case in.Now.Before(in.StartTime):
		return MediaBuyStatusReady
	case in.Now.After(in.EndTime):
		return MediaBuyStatusCompleted
	default:
		return MediaBuyStatusActive
	}
}

// NewMediaBuyID generates a permanent media buy id of the form mb_<hex12>.
func NewMediaBuyID() string {
	return "mb_" + randomHex(6)
}

// NewPackageID generates a permanent package id of the form
// pkg_{product}_{hex8}_{idx}.
func NewPackageID(productID string, idx int) string {
	return fmt.Sprintf("pkg_%s_%s_%d", productID, randomHex(4), idx)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// constant rather than panic in a request path.
		return "00000000000000"[:n*2]
	}
	return hex.EncodeToString(b)
}
