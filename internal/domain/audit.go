package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RTDNAudit is a raw-event audit row. Fetch failures and unclassifiable payloads land
// here instead of raising, so one bad delivery never blocks other tokens.
type RTDNAudit struct {
	ID            uuid.UUID       `json:"id"`
	Kind          string          `json:"kind"`
	PackageName   string          `json:"package_name,omitempty"`
	PurchaseToken string          `json:"purchase_token,omitempty"`
	Error         string          `json:"error,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
}
