package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Records interface {
	Create(ctx context.Context, record *ActionRecord) error
	Finalize(ctx context.Context, id string, status RecordStatus, output map[string]interface{}, errMsg string) error
	ListByOccurrence(ctx context.Context, occurrenceID string) ([]ActionRecord, error)
}

type PostgresRecords struct {
	db *sql.DB
}

func NewRecords(db *sql.DB) Records {
	return &PostgresRecords{db: db}
}

func (r *PostgresRecords) Create(ctx context.Context, record *ActionRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	record.Status = RecordPending
	record.CreatedAt = time.Now()

	input, err := json.Marshal(record.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal record input: %w", err)
	}

	query := `
		INSERT INTO action_records (id, occurrence_id, rule_id, rule_name, action, status, input, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = r.db.ExecContext(ctx, query,
		record.ID, record.OccurrenceID, record.RuleID, record.RuleName,
		record.Action, string(record.Status), input, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create action record: %w", err)
	}

	return nil
}

// Finalize moves a pending record to completed or failed. The WHERE guard
// keeps finalized records immutable.
func (r *PostgresRecords) Finalize(ctx context.Context, id string, status RecordStatus, output map[string]interface{}, errMsg string) error {
	var outputJSON interface{}
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("failed to marshal record output: %w", err)
		}
		outputJSON = b
	}

	query := `
		UPDATE action_records
		SET status = $1, output = $2, error = NULLIF($3, ''), completed_at = $4
		WHERE id = $5 AND status = $6
	`

	res, err := r.db.ExecContext(ctx, query,
		string(status), outputJSON, errMsg, time.Now(), id, string(RecordPending),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize action record: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("action record '%s' is not pending", id)
	}

	return nil
}

func (r *PostgresRecords) ListByOccurrence(ctx context.Context, occurrenceID string) ([]ActionRecord, error) {
	query := `
		SELECT id, occurrence_id, rule_id, rule_name, action, status, input, output, error, created_at, completed_at
		FROM action_records
		WHERE occurrence_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, occurrenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list action records: %w", err)
	}
	defer rows.Close()

	var records []ActionRecord
	for rows.Next() {
		var (
			record      ActionRecord
			status      string
			input       []byte
			output      []byte
			errMsg      sql.NullString
			completedAt sql.NullTime
		)

		if err := rows.Scan(
			&record.ID, &record.OccurrenceID, &record.RuleID, &record.RuleName,
			&record.Action, &status, &input, &output, &errMsg,
			&record.CreatedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan action record: %w", err)
		}

		record.Status = RecordStatus(status)
		record.Error = errMsg.String
		if completedAt.Valid {
			t := completedAt.Time
			record.CompletedAt = &t
		}
		if len(input) > 0 {
			if err := json.Unmarshal(input, &record.Input); err != nil {
				return nil, fmt.Errorf("failed to unmarshal record input: %w", err)
			}
		}
		if len(output) > 0 {
			if err := json.Unmarshal(output, &record.Output); err != nil {
				return nil, fmt.Errorf("failed to unmarshal record output: %w", err)
			}
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return records, nil
}
