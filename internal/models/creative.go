package models

import (
	"encoding/json"
	"time"
)

// Creative statuses.
const (
	CreativeStatusPending  = "pending"
	CreativeStatusApproved = "approved"
	CreativeStatusRejected = "rejected"
)

// CreativePayload holds either a hosted asset (URL plus dimensions/duration)
// or a third-party snippet. The two are mutually exclusive.
type CreativePayload struct {
	URL             string  `json:"url,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	DurationSeconds float64 `json:"duration,omitempty"`
	Snippet         string  `json:"snippet,omitempty"`
	SnippetType     string  `json:"snippet_type,omitempty"`
	ClickURL        string  `json:"click_url,omitempty"`
}

// Creative is an advertiser asset scoped to (tenant, principal). The same
// creative_id under two principals names two independent rows.
type Creative struct {
	TenantID    string          `json:"tenant_id"`
	PrincipalID string          `json:"principal_id"`
	CreativeID  string          `json:"creative_id"`
	Name        string          `json:"name"`
	Format      FormatRef       `json:"format"`
	Status      string          `json:"status"`
	Payload     CreativePayload `json:"payload"`
	// Data round-trips the raw creative body alongside the typed payload.
	Data json.RawMessage `json:"data,omitempty"`
	// PlatformCreativeID is assigned by the ad server after upload.
	PlatformCreativeID string    `json:"platform_creative_id,omitempty"`
	Tags               []string  `json:"tags,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// CreativeAssignment links a creative to a media package with a rotation
// weight.
type CreativeAssignment struct {
	AssignmentID string    `json:"assignment_id"`
	TenantID     string    `json:"tenant_id"`
	MediaBuyID   string    `json:"media_buy_id"`
	PackageID    string    `json:"package_id"`
	CreativeID   string    `json:"creative_id"`
	Weight       int       `json:"weight"`
	CreatedAt    time.Time `json:"created_at"`
}

// Per-creative outcome of a sync_creatives call.
const (
	SyncActionCreated   = "created"
	SyncActionUpdated   = "updated"
	SyncActionUnchanged = "unchanged"
	SyncActionFailed    = "failed"
)
