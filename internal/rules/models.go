package rules

import (
	"time"
)

// Rule routes occurrences to an action. Conditions are conjunctive; an
// occurrence must satisfy every condition for the rule to match.
type Rule struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description,omitempty"`
	Enabled       bool                   `json:"enabled"`
	Priority      int                    `json:"priority"`
	Conditions    map[string]interface{} `json:"conditions"`
	Action        string                 `json:"action"`
	ActionConfig  map[string]interface{} `json:"action_config,omitempty"`
	MatchCount    int64                  `json:"match_count"`
	LastMatchedAt *time.Time             `json:"last_matched_at,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

type CreateRuleRequest struct {
	Name         string                 `json:"name" binding:"required"`
	Description  string                 `json:"description"`
	Enabled      *bool                  `json:"enabled"`
	Priority     int                    `json:"priority"`
	Conditions   map[string]interface{} `json:"conditions" binding:"required"`
	Action       string                 `json:"action" binding:"required"`
	ActionConfig map[string]interface{} `json:"action_config"`
}

type UpdateRuleRequest struct {
	Name         string                 `json:"name" binding:"required"`
	Description  string                 `json:"description"`
	Enabled      *bool                  `json:"enabled"`
	Priority     int                    `json:"priority"`
	Conditions   map[string]interface{} `json:"conditions" binding:"required"`
	Action       string                 `json:"action" binding:"required"`
	ActionConfig map[string]interface{} `json:"action_config"`
}
