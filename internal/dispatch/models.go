package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// The closed set of actions a rule may invoke.
const (
	ActionCreateNote = "create_note"
	ActionTag        = "tag"
	ActionIgnore     = "ignore"
	ActionSpawnTask  = "spawn_task"
)

type CreateNoteConfig struct {
	TitleTemplate string   `json:"title_template,omitempty"`
	Folder        string   `json:"folder,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

type TagConfig struct {
	Tags []string `json:"tags"`
}

type SpawnTaskConfig struct {
	TaskName   string                 `json:"task_name"`
	TaskParams map[string]interface{} `json:"task_params,omitempty"`
}

// DecodeConfig turns the free-form JSONB action config into the typed
// config for the action, rejecting unknown fields and missing requireds.
func DecodeConfig(action string, config map[string]interface{}) (interface{}, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal action config: %w", err)
	}

	decode := func(target interface{}) error {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(target); err != nil {
			return fmt.Errorf("invalid %s config: %w", action, err)
		}
		return nil
	}

	switch action {
	case ActionCreateNote:
		var cfg CreateNoteConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	case ActionTag:
		var cfg TagConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		if len(cfg.Tags) == 0 {
			return nil, fmt.Errorf("tag action requires a non-empty 'tags' list")
		}
		return &cfg, nil
	case ActionIgnore:
		if len(config) > 0 {
			return nil, fmt.Errorf("ignore action takes no config")
		}
		return struct{}{}, nil
	case ActionSpawnTask:
		var cfg SpawnTaskConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		if cfg.TaskName == "" {
			return nil, fmt.Errorf("spawn_task action requires 'task_name'")
		}
		return &cfg, nil
	default:
		return nil, fmt.Errorf("unknown action '%s'", action)
	}
}

type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordCompleted RecordStatus = "completed"
	RecordFailed    RecordStatus = "failed"
)

// ActionRecord is one row of the append-only dispatch audit log. Records
// are never updated after finalization; reprocessing appends new ones.
type ActionRecord struct {
	ID           string                 `json:"id"`
	OccurrenceID string                 `json:"occurrence_id"`
	RuleID       string                 `json:"rule_id"`
	RuleName     string                 `json:"rule_name"`
	Action       string                 `json:"action"`
	Status       RecordStatus           `json:"status"`
	Input        map[string]interface{} `json:"input,omitempty"`
	Output       map[string]interface{} `json:"output,omitempty"`
	Error        string                 `json:"error,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// Outcome is what a successful dispatch hands back to the router.
// Applied is false when the action resolved to a no-op, such as tagging
// a sender with no directory entry.
type Outcome struct {
	Applied bool                   `json:"applied"`
	Detail  string                 `json:"detail,omitempty"`
	Output  map[string]interface{} `json:"output,omitempty"`
}
