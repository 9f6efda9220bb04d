// Package adcp defines the wire types of the Ad Context Protocol tool
// surface: request and response bodies plus the response envelope.
package adcp

import (
	"encoding/json"
	"time"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

// StartTimeASAP is the literal a buyer may pass instead of a timestamp; it
// resolves to the current UTC instant inside the request handler.
const StartTimeASAP = "asap"

// BrandManifest describes the advertiser behind a buy. Required since
// AdCP v2.2.
type BrandManifest struct {
	Name    string   `json:"name"`
	URL     string   `json:"url,omitempty"`
	Domains []string `json:"domains,omitempty"`
}

// PackageRequest selects one product and one pricing choice within a
// create_media_buy call.
type PackageRequest struct {
	ProductID string `json:"product_id"`
	Budget    float64 `json:"budget"`
	// PricingOptionID is the composite "{model}_{currency}_{fixed|auction}".
	PricingOptionID string `json:"pricing_option_id,omitempty"`
	// PricingModel is the legacy selector used when PricingOptionID is absent.
	PricingModel string         `json:"pricing_model,omitempty"`
	BidPrice     float64        `json:"bid_price,omitempty"`
	Pacing       string         `json:"pacing,omitempty"`
	Impressions  int64          `json:"impressions,omitempty"`
	Targeting    map[string]any `json:"targeting_overlay,omitempty"`
	CreativeIDs  []string       `json:"creative_ids,omitempty"`
}

// CreateMediaBuyRequest is the primary write-path request.
type CreateMediaBuyRequest struct {
	BuyerRef      string           `json:"buyer_ref"`
	PONumber      string           `json:"po_number,omitempty"`
	Brief         string           `json:"brief,omitempty"`
	PromotedOffering string        `json:"promoted_offering,omitempty"`
	BrandManifest *BrandManifest   `json:"brand_manifest"`
	Packages      []PackageRequest `json:"packages"`
	// ProductIDs is the pre-packages request shape, retired in AdCP v2.
	// Requests still using it are rejected with a DEPRECATED error.
	ProductIDs []string `json:"product_ids,omitempty"`
	// StartTime is RFC3339 or the literal "asap".
	StartTime string    `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Budget    float64   `json:"total_budget,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	// AlreadyApproved suppresses the adapter's own approval workflow; set
	// only by the post-approval execution path, never by buyers.
	AlreadyApproved        bool                    `json:"-"`
	PushNotificationConfig *PushNotificationConfig `json:"push_notification_config,omitempty"`
}

// PushNotificationConfig is the inbound registration carried on mutating
// requests.
type PushNotificationConfig struct {
	ID          string `json:"id,omitempty"`
	URL         string `json:"url"`
	AuthScheme  string `json:"auth_scheme,omitempty"`
	Credentials string `json:"credentials,omitempty"`
}

// PackageResult echoes a created package back to the buyer.
type PackageResult struct {
	PackageID    string  `json:"package_id"`
	ProductID    string  `json:"product_id"`
	Budget       float64 `json:"budget"`
	PricingModel string  `json:"pricing_model"`
	BidPrice     float64 `json:"bid_price,omitempty"`
	Status       string  `json:"status,omitempty"`
}

// CreateMediaBuyResponse is the success body of create_media_buy. On the
// approval branch WorkflowStepID references the pending step.
type CreateMediaBuyResponse struct {
	MediaBuyID     string          `json:"media_buy_id"`
	BuyerRef       string          `json:"buyer_ref"`
	Status         string          `json:"status"`
	Packages       []PackageResult `json:"packages"`
	WorkflowStepID string          `json:"workflow_step_id,omitempty"`
	CreativeDeadline *time.Time    `json:"creative_deadline,omitempty"`
}

// PackageUpdate is one per-package mutation inside update_media_buy.
type PackageUpdate struct {
	PackageID   string         `json:"package_id"`
	Active      *bool          `json:"active,omitempty"`
	Budget      *float64       `json:"budget,omitempty"`
	Impressions *int64         `json:"impressions,omitempty"`
	Pacing      string         `json:"pacing,omitempty"`
	DailyBudget *float64       `json:"daily_budget,omitempty"`
	Targeting   map[string]any `json:"targeting_overlay,omitempty"`
	CreativeIDs []string       `json:"creative_ids,omitempty"`
}

// UpdateMediaBuyRequest mutates a media buy at campaign or package level.
type UpdateMediaBuyRequest struct {
	MediaBuyID string          `json:"media_buy_id,omitempty"`
	BuyerRef   string          `json:"buyer_ref,omitempty"`
	Active     *bool           `json:"active,omitempty"`
	StartTime  *time.Time      `json:"start_time,omitempty"`
	EndTime    *time.Time      `json:"end_time,omitempty"`
	Budget     *float64        `json:"budget,omitempty"`
	Currency   string          `json:"currency,omitempty"`
	Pacing     string          `json:"pacing,omitempty"`
	DailyBudget *float64       `json:"daily_budget,omitempty"`
	Targeting  map[string]any  `json:"targeting_overlay,omitempty"`
	Packages   []PackageUpdate `json:"packages,omitempty"`
	PushNotificationConfig *PushNotificationConfig `json:"push_notification_config,omitempty"`
}

// UpdateMediaBuyResponse is the success body of update_media_buy.
type UpdateMediaBuyResponse struct {
	MediaBuyID     string `json:"media_buy_id"`
	BuyerRef       string `json:"buyer_ref,omitempty"`
	Status         string `json:"status"`
	WorkflowStepID string `json:"workflow_step_id,omitempty"`
}

// CreativeInput is one creative in a sync_creatives call.
type CreativeInput struct {
	CreativeID string            `json:"creative_id,omitempty"`
	Name       string            `json:"name"`
	Format     *models.FormatRef `json:"format"`
	URL        string            `json:"url,omitempty"`
	Width      int               `json:"width,omitempty"`
	Height     int               `json:"height,omitempty"`
	Duration   float64           `json:"duration,omitempty"`
	Snippet    string            `json:"snippet,omitempty"`
	SnippetType string           `json:"snippet_type,omitempty"`
	ClickURL   string            `json:"click_url,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
}

// SyncCreativesRequest upserts creatives and package assignments.
type SyncCreativesRequest struct {
	Creatives []CreativeInput `json:"creatives"`
	Patch     bool            `json:"patch,omitempty"`
	// Assignments maps creative_id to the package ids it should run on.
	Assignments map[string][]string `json:"assignments,omitempty"`
	DeleteMissing bool              `json:"delete_missing,omitempty"`
	DryRun        bool              `json:"dry_run,omitempty"`
	// ValidationMode is "strict" (default) or "lenient".
	ValidationMode string `json:"validation_mode,omitempty"`
	PushNotificationConfig *PushNotificationConfig `json:"push_notification_config,omitempty"`
}

// CreativeSyncResult is the per-creative outcome of sync_creatives.
type CreativeSyncResult struct {
	CreativeID string   `json:"creative_id"`
	Action     string   `json:"action"` // created | updated | unchanged | failed
	Status     string   `json:"status,omitempty"`
	Changes    []string `json:"changes,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// SyncCreativesResponse aggregates the per-creative results.
type SyncCreativesResponse struct {
	Results []CreativeSyncResult `json:"results"`
	Summary SyncSummary          `json:"summary"`
}

// SyncSummary reports the aggregate counts of a sync run.
type SyncSummary struct {
	Total     int `json:"total"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// ListCreativesRequest filters, sorts and paginates the caller's library.
type ListCreativesRequest struct {
	Status     string     `json:"status,omitempty"`
	FormatID   string     `json:"format_id,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
	Search     string     `json:"search,omitempty"`
	MediaBuyID string     `json:"media_buy_id,omitempty"`
	BuyerRef   string     `json:"buyer_ref,omitempty"`
	SortBy     string     `json:"sort_by,omitempty"` // created_at | name | status
	SortDesc   bool       `json:"sort_desc,omitempty"`
	Page       int        `json:"page,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}

// ListCreativesResponse pages through the principal's creative library.
type ListCreativesResponse struct {
	Creatives  []models.Creative `json:"creatives"`
	TotalCount int               `json:"total_count"`
	Page       int               `json:"page"`
	Limit      int               `json:"limit"`
	TotalPages int               `json:"total_pages"`
	HasMore    bool              `json:"has_more"`
}

// GetProductsRequest is the discovery request; Brief and PromotedOffering
// feed the policy gate.
type GetProductsRequest struct {
	Brief            string         `json:"brief,omitempty"`
	PromotedOffering string         `json:"promoted_offering,omitempty"`
	BrandManifest    *BrandManifest `json:"brand_manifest,omitempty"`
	FormatTypes      []string       `json:"format_types,omitempty"`
}

// GetProductsResponse lists matching products; pricing may be stripped for
// unauthenticated callers.
type GetProductsResponse struct {
	Products []models.Product `json:"products"`
}

// ListCreativeFormatsResponse merges registry standard formats with tenant
// custom formats.
type ListCreativeFormatsResponse struct {
	Formats []models.CreativeFormat `json:"formats"`
}

// CreativeAgent is one creative agent referenced by the tenant's formats.
type CreativeAgent struct {
	AgentURL  string   `json:"agent_url"`
	FormatIDs []string `json:"format_ids"`
}

// ListCreativeAgentsResponse enumerates the creative agents whose formats
// this publisher accepts.
type ListCreativeAgentsResponse struct {
	Agents []CreativeAgent `json:"agents"`
}

// ListAuthorizedPropertiesResponse returns verified properties plus tag
// metadata.
type ListAuthorizedPropertiesResponse struct {
	Properties []models.AuthorizedProperty `json:"properties"`
	Tags       []models.PropertyTag        `json:"tags,omitempty"`
}

// GetSignalsRequest filters the signal catalog.
type GetSignalsRequest struct {
	Query string `json:"signal_spec,omitempty"`
	Type  string `json:"type,omitempty"`
}

// GetSignalsResponse lists matching signals.
type GetSignalsResponse struct {
	Signals []models.Signal `json:"signals"`
}

// ActivateSignalRequest begins activation of one signal.
type ActivateSignalRequest struct {
	SignalID string `json:"signal_id"`
}

// ActivateSignalResponse reports activation progress; a pending activation
// references its workflow step.
type ActivateSignalResponse struct {
	SignalID       string `json:"signal_id"`
	Status         string `json:"status"`
	WorkflowStepID string `json:"workflow_step_id,omitempty"`
}

// GetMediaBuyDeliveryRequest selects buys and a reporting window.
type GetMediaBuyDeliveryRequest struct {
	MediaBuyIDs  []string   `json:"media_buy_ids,omitempty"`
	BuyerRefs    []string   `json:"buyer_refs,omitempty"`
	StatusFilter string     `json:"status_filter,omitempty"`
	StartDate    *time.Time `json:"start_date,omitempty"`
	EndDate      *time.Time `json:"end_date,omitempty"`
}

// PackageDelivery is per-package delivery over the reporting window.
type PackageDelivery struct {
	PackageID   string  `json:"package_id"`
	Impressions int64   `json:"impressions"`
	Spend       float64 `json:"spend"`
	PacingIndex float64 `json:"pacing_index"`
}

// MediaBuyDelivery is per-buy delivery plus the recomputed status.
type MediaBuyDelivery struct {
	MediaBuyID  string            `json:"media_buy_id"`
	BuyerRef    string            `json:"buyer_ref"`
	Status      string            `json:"status"`
	Currency    string            `json:"currency"`
	Impressions int64             `json:"totals_impressions"`
	Spend       float64           `json:"totals_spend"`
	Packages    []PackageDelivery `json:"packages"`
}

// GetMediaBuyDeliveryResponse aggregates delivery for the window.
type GetMediaBuyDeliveryResponse struct {
	Deliveries       []MediaBuyDelivery `json:"deliveries"`
	TotalImpressions int64              `json:"total_impressions"`
	TotalSpend       float64            `json:"total_spend"`
	ReportingPeriod  ReportingPeriod    `json:"reporting_period"`
}

// ReportingPeriod is the resolved reporting window.
type ReportingPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ProductPerformance carries one performance score for
// update_performance_index.
type ProductPerformance struct {
	ProductID        string  `json:"product_id"`
	PerformanceIndex float64 `json:"performance_index"`
}

// UpdatePerformanceIndexRequest fans scores into the adapter.
type UpdatePerformanceIndexRequest struct {
	MediaBuyID   string               `json:"media_buy_id"`
	Performance  []ProductPerformance `json:"performance_data"`
}

// UpdatePerformanceIndexResponse acknowledges the fan-out.
type UpdatePerformanceIndexResponse struct {
	MediaBuyID string `json:"media_buy_id"`
	Accepted   bool   `json:"accepted"`
}

// ListTasksRequest filters workflow steps.
type ListTasksRequest struct {
	Status   string `json:"status,omitempty"`
	StepType string `json:"step_type,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// ListTasksResponse lists workflow steps visible to the caller.
type ListTasksResponse struct {
	Tasks []models.WorkflowStep `json:"tasks"`
}

// GetTaskRequest fetches one workflow step.
type GetTaskRequest struct {
	TaskID string `json:"task_id"`
}

// GetTaskResponse returns one workflow step.
type GetTaskResponse struct {
	Task models.WorkflowStep `json:"task"`
}

// CompleteTaskRequest overrides a step's terminal state; publisher-side only.
type CompleteTaskRequest struct {
	TaskID  string `json:"task_id"`
	Outcome string `json:"outcome"` // completed | failed
	Comment string `json:"comment,omitempty"`
}

// CompleteTaskResponse acknowledges the override.
type CompleteTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// RawRequest re-decodes a persisted raw_request blob into a create request.
func RawRequest(raw json.RawMessage) (*CreateMediaBuyRequest, error) {
	var req CreateMediaBuyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return &req, nil
}
