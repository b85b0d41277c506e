package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	pkgerrors "relay/pkg/errors"
)

type Repository interface {
	Create(ctx context.Context, rule *Rule) error
	List(ctx context.Context, enabledOnly bool) ([]Rule, error)
	ListEnabled(ctx context.Context) ([]Rule, error)
	Get(ctx context.Context, id string) (*Rule, error)
	Update(ctx context.Context, rule *Rule) error
	Delete(ctx context.Context, id string) error
	RecordMatch(ctx context.Context, id string) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

const ruleColumns = `id, name, description, enabled, priority, conditions, action, action_config, match_count, last_matched_at, created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	conditions, actionConfig, err := marshalRuleJSON(rule)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO routing_rules (id, name, description, enabled, priority, conditions, action, action_config, match_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10)
	`

	_, err = r.db.ExecContext(ctx, query,
		rule.ID, rule.Name, rule.Description, rule.Enabled, rule.Priority,
		conditions, rule.Action, actionConfig, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return pkgerrors.ErrConflict.WithCause(err).WithDetail("message",
				fmt.Sprintf("rule with name '%s' already exists", rule.Name))
		}
		return fmt.Errorf("failed to create rule: %w", err)
	}

	return nil
}

func (r *PostgresRepository) List(ctx context.Context, enabledOnly bool) ([]Rule, error) {
	query := fmt.Sprintf(`SELECT %s FROM routing_rules`, ruleColumns)
	if enabledOnly {
		query += ` WHERE enabled = true`
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	return collectRules(rows)
}

// ListEnabled returns the enabled rules in evaluation order. The id
// tiebreak keeps the order total when priorities and timestamps collide.
func (r *PostgresRepository) ListEnabled(ctx context.Context) ([]Rule, error) {
	return r.List(ctx, true)
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Rule, error) {
	query := fmt.Sprintf(`SELECT %s FROM routing_rules WHERE id = $1`, ruleColumns)

	rule, err := scanRule(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("rule '%s' not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return rule, nil
}

func (r *PostgresRepository) Update(ctx context.Context, rule *Rule) error {
	rule.UpdatedAt = time.Now()

	conditions, actionConfig, err := marshalRuleJSON(rule)
	if err != nil {
		return err
	}

	query := `
		UPDATE routing_rules
		SET name = $1, description = $2, enabled = $3, priority = $4,
		    conditions = $5, action = $6, action_config = $7, updated_at = $8
		WHERE id = $9
	`

	res, err := r.db.ExecContext(ctx, query,
		rule.Name, rule.Description, rule.Enabled, rule.Priority,
		conditions, rule.Action, actionConfig, rule.UpdatedAt, rule.ID,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return pkgerrors.ErrConflict.WithCause(err).WithDetail("message",
				fmt.Sprintf("rule with name '%s' already exists", rule.Name))
		}
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("rule '%s' not found", rule.ID))
	}

	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM routing_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("rule '%s' not found", id))
	}

	return nil
}

// RecordMatch bumps the match counters. Callers treat failure as
// non-fatal; the counters are a side channel, not part of routing.
func (r *PostgresRepository) RecordMatch(ctx context.Context, id string) error {
	query := `
		UPDATE routing_rules
		SET match_count = match_count + 1, last_matched_at = $1
		WHERE id = $2
	`

	if _, err := r.db.ExecContext(ctx, query, time.Now(), id); err != nil {
		return fmt.Errorf("failed to record match: %w", err)
	}

	return nil
}

func marshalRuleJSON(rule *Rule) ([]byte, []byte, error) {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal conditions: %w", err)
	}

	actionConfig := []byte("{}")
	if rule.ActionConfig != nil {
		actionConfig, err = json.Marshal(rule.ActionConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal action config: %w", err)
		}
	}

	return conditions, actionConfig, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		rule          Rule
		description   sql.NullString
		conditions    []byte
		actionConfig  []byte
		lastMatchedAt sql.NullTime
	)

	err := row.Scan(
		&rule.ID, &rule.Name, &description, &rule.Enabled, &rule.Priority,
		&conditions, &rule.Action, &actionConfig,
		&rule.MatchCount, &lastMatchedAt, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Description = description.String
	if lastMatchedAt.Valid {
		t := lastMatchedAt.Time
		rule.LastMatchedAt = &t
	}

	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conditions: %w", err)
		}
	}
	if len(actionConfig) > 0 {
		if err := json.Unmarshal(actionConfig, &rule.ActionConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action config: %w", err)
		}
	}

	return &rule, nil
}

func collectRules(rows *sql.Rows) ([]Rule, error) {
	var rules []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return rules, nil
}
