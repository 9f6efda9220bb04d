package adcp

import (
	"encoding/json"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

// Envelope statuses added by the dispatcher to every response.
const (
	StatusCompleted     = "completed"
	StatusWorking       = "working"
	StatusInputRequired = "input-required"
	StatusFailed        = "failed"
)

// Envelope wraps every tool response with a protocol status and, on failure,
// the structured error list. Payload is the tool-specific body.
type Envelope struct {
	Status    string             `json:"status"`
	Payload   json.RawMessage    `json:"payload,omitempty"`
	Errors    []models.AdCPError `json:"errors,omitempty"`
	ContextID string             `json:"context_id,omitempty"`
}

// Completed wraps a successful payload.
func Completed(payload any) (*Envelope, error) {
	return wrap(StatusCompleted, payload)
}

// InputRequired wraps a payload that is parked on human input, e.g. the
// approval branch of create_media_buy.
func InputRequired(payload any) (*Envelope, error) {
	return wrap(StatusInputRequired, payload)
}

// Working wraps a payload whose operation continues in the background.
func Working(payload any) (*Envelope, error) {
	return wrap(StatusWorking, payload)
}

// Failed builds a failure envelope from one or more structured errors.
// A failure envelope never carries a partial-success payload.
func Failed(errs ...*models.AdCPError) *Envelope {
	env := &Envelope{Status: StatusFailed}
	for _, e := range errs {
		if e != nil {
			env.Errors = append(env.Errors, *e)
		}
	}
	return env
}

// FailedFrom converts an arbitrary error into a failure envelope using the
// fallback code for untyped errors.
func FailedFrom(err error, fallbackCode string) *Envelope {
	return Failed(models.AsAdCPError(err, fallbackCode))
}

func wrap(status string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Status: status, Payload: raw}, nil
}
