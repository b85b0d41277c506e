package models

import "time"

// OccurrenceEnvelope is the canonical inbound shape produced by transport
// adapters (mail poller, webhook receiver, manual harness) before ingestion.
type OccurrenceEnvelope struct {
	Source     string                 `json:"source"`
	SourceID   string                 `json:"source_id,omitempty"`
	EventType  string                 `json:"event_type"`
	Payload    map[string]interface{} `json:"payload"`
	From       string                 `json:"from,omitempty"`
	To         string                 `json:"to,omitempty"`
	Subject    string                 `json:"subject,omitempty"`
	Body       string                 `json:"body,omitempty"`
	OccurredAt *time.Time             `json:"occurred_at,omitempty"`
}
