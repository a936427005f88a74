// Package webhook delivers notifications to customer webhook endpoints. Every
// delivery is recorded in a per-customer request ledger first, so failures can
// be replayed in order, and the outcome drives the customer's webhook health.
package webhook

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the state of one ledger entry.
type RequestStatus string

const (
	RequestProcessing RequestStatus = "processing"
	RequestSuccess    RequestStatus = "success"
	RequestFailure    RequestStatus = "failure"
)

func (s RequestStatus) Valid() bool {
	switch s {
	case RequestProcessing, RequestSuccess, RequestFailure:
		return true
	}
	return false
}

// Webhook message types.
const (
	TypeDocumentDownload   = "medical.document-download"
	TypeDocumentConversion = "medical.document-conversion"
)

// Status details written to the customer's settings.
const (
	StatusDetailOK      = "OK"
	StatusDetailPending = "pending verification"
)

// Request is one ledger entry: a payload owed to a customer. Payload is stored
// without the meta block, which is added at send time.
type Request struct {
	ID           uuid.UUID       `json:"id"`
	CxID         uuid.UUID       `json:"cxId"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       RequestStatus   `json:"status"`
	StatusDetail *string         `json:"statusDetail,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Settings is a customer's webhook configuration and health.
type Settings struct {
	ID                  uuid.UUID `json:"id"`
	WebhookURL          *string   `json:"webhookUrl"`
	WebhookKey          *string   `json:"webhookKey"`
	WebhookEnabled      bool      `json:"webhookEnabled"`
	WebhookStatusDetail *string   `json:"webhookStatusDetail"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Configured reports whether both the URL and the key are set.
func (s *Settings) Configured() bool {
	return s != nil && s.WebhookURL != nil && *s.WebhookURL != "" &&
		s.WebhookKey != nil && *s.WebhookKey != ""
}

// StatusCounts is the number of ledger entries per open status.
type StatusCounts struct {
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
}

// Meta is prepended to every payload sent to a customer.
type Meta struct {
	MessageID string `json:"messageId"`
	When      string `json:"when"`
	Type      string `json:"type,omitempty"`
}

func strPtr(s string) *string { return &s }
