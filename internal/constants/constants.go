package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	CacheKeyPrefixOccurrence = "occ:"
)

const (
	DefaultOccurrenceTopic = "occurrences"
	DefaultTaskTopic       = "tasks"
)

const (
	DefaultMongoDBName = "relay"
	NoteCollection     = "notes"
	DefaultNoteFolder  = "Inbox"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
	SummaryMaxLen     = 50
)

const (
	DefaultDedupeTTLSeconds = 86400
)

const (
	DefaultSweepInterval  = 30 * time.Second
	DefaultSweepBatchSize = 100
)

const (
	SourceEmail   = "email"
	SourceWebhook = "webhook"
	SourceManual  = "manual"
)
