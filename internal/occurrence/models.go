package occurrence

import (
	"strings"
	"time"
	"unicode/utf8"

	"relay/internal/constants"
)

// Status is the routing lifecycle state of an occurrence.
//
// pending    ingested, not yet routed
// processed  a rule matched and its action completed
// failed     a rule matched but its action failed
// unmatched  no enabled rule matched
// ignored    terminal, set by the ignore action
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
	StatusUnmatched Status = "unmatched"
	StatusIgnored   Status = "ignored"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusFailed, StatusUnmatched, StatusIgnored:
		return true
	}
	return false
}

type Occurrence struct {
	ID         string                 `json:"id"`
	Source     string                 `json:"source"`
	SourceID   string                 `json:"source_id"`
	EventType  string                 `json:"event_type"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	From       string                 `json:"from,omitempty"`
	To         string                 `json:"to,omitempty"`
	Subject    string                 `json:"subject,omitempty"`
	Body       string                 `json:"body,omitempty"`
	Status     Status                 `json:"status"`
	Result     *RoutingResult         `json:"result,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// RoutingResult captures the outcome of the most recent routing pass.
// It is replaced wholesale on reprocess; the append-only action records
// keep the full history.
type RoutingResult struct {
	RuleID   string    `json:"rule_id,omitempty"`
	RuleName string    `json:"rule_name,omitempty"`
	Action   string    `json:"action,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Error    string    `json:"error,omitempty"`
	RoutedAt time.Time `json:"routed_at"`
}

// Summary returns a short human readable description for logs and list
// responses.
func (o *Occurrence) Summary() string {
	s := o.Subject
	if s == "" {
		s = o.Body
	}
	if s == "" {
		s = o.EventType
	}
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > constants.SummaryMaxLen {
		runes := []rune(s)
		s = string(runes[:constants.SummaryMaxLen]) + "..."
	}
	return s
}

// HasAttachment reports whether the payload carries a non-empty
// attachments list.
func (o *Occurrence) HasAttachment() bool {
	raw, ok := o.Payload["attachments"]
	if !ok {
		return false
	}
	list, ok := raw.([]interface{})
	return ok && len(list) > 0
}

type Filter struct {
	Status       Status
	Source       string
	Sender       string
	OccurredFrom *time.Time
	OccurredTo   *time.Time
	Limit        int
	Offset       int
}

type ManualOccurrenceRequest struct {
	EventType string                 `json:"event_type" binding:"required"`
	From      string                 `json:"from"`
	To        string                 `json:"to"`
	Subject   string                 `json:"subject"`
	Body      string                 `json:"body"`
	Payload   map[string]interface{} `json:"payload"`
}

type IngestResponse struct {
	Occurrence *Occurrence `json:"occurrence"`
	Created    bool        `json:"created"`
}
