package occurrence

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestOccurrence_Summary(t *testing.T) {
	occ := &Occurrence{
		Subject:   "Quarterly Invoice #2231",
		Body:      "Please find the invoice attached.",
		EventType: "email_received",
	}
	assert.Equal(t, "Quarterly Invoice #2231", occ.Summary())

	occ.Subject = ""
	assert.Equal(t, "Please find the invoice attached.", occ.Summary())

	occ.Body = ""
	assert.Equal(t, "email_received", occ.Summary())
}

func TestOccurrence_Summary_CollapsesAndTruncates(t *testing.T) {
	occ := &Occurrence{Subject: "  spread \n\t across   lines  "}
	assert.Equal(t, "spread across lines", occ.Summary())

	occ.Subject = strings.Repeat("x", 200)
	summary := occ.Summary()
	assert.Len(t, summary, 53)
	assert.True(t, strings.HasSuffix(summary, "..."))
}

func TestOccurrence_Summary_TruncatesOnRuneBoundary(t *testing.T) {
	occ := &Occurrence{Body: strings.Repeat("日本", 30)}
	summary := occ.Summary()
	assert.True(t, utf8.ValidString(summary))
	assert.Equal(t, 53, utf8.RuneCountInString(summary))
	assert.True(t, strings.HasSuffix(summary, "..."))
	assert.Equal(t, strings.Repeat("日本", 25)+"...", summary)
}

func TestOccurrence_HasAttachment(t *testing.T) {
	occ := &Occurrence{}
	assert.False(t, occ.HasAttachment())

	occ.Payload = map[string]interface{}{"attachments": []interface{}{}}
	assert.False(t, occ.HasAttachment())

	occ.Payload = map[string]interface{}{"attachments": []interface{}{"a.pdf"}}
	assert.True(t, occ.HasAttachment())

	occ.Payload = map[string]interface{}{"attachments": "a.pdf"}
	assert.False(t, occ.HasAttachment())
}

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusProcessed, StatusFailed, StatusUnmatched, StatusIgnored} {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, Status("archived").Valid())
	assert.False(t, Status("").Valid())
}
