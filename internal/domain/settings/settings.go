// Package settings defines persisted key/value operator settings.
package settings

import (
	"encoding/json"
	"time"
)

// KeyHourlyRate is the configurable hourly rate (USD) used by the enrichment
// cost estimate.
const KeyHourlyRate = "cost.hourly_rate"

// DefaultHourlyRate applies when no setting is stored.
const DefaultHourlyRate = 100.0

// Setting is a single persisted key/value pair. Value is raw JSON so callers
// own the shape.
type Setting struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}
