package occurrence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"

	pkgerrors "relay/pkg/errors"
)

type Repository interface {
	Ingest(ctx context.Context, occ *Occurrence) (bool, error)
	Get(ctx context.Context, id string) (*Occurrence, error)
	GetBySourceID(ctx context.Context, source, sourceID string) (*Occurrence, error)
	Query(ctx context.Context, filter Filter) ([]Occurrence, error)
	ListPending(ctx context.Context, limit int) ([]Occurrence, error)
	SetStatus(ctx context.Context, id string, from, to Status, result *RoutingResult) error
	TryRoutingLock(ctx context.Context, id string) (func(), error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

const occurrenceColumns = `id, source, source_id, event_type, payload, from_addr, to_addr, subject, body, status, result, occurred_at, created_at, updated_at`

// Ingest inserts the occurrence, relying on the UNIQUE (source, source_id)
// constraint for idempotency. When the row already exists the stored
// occurrence is loaded into occ unchanged and created is false.
func (r *PostgresRepository) Ingest(ctx context.Context, occ *Occurrence) (bool, error) {
	if occ.ID == "" {
		occ.ID = uuid.New().String()
	}
	now := time.Now()
	occ.Status = StatusPending
	occ.CreatedAt = now
	occ.UpdatedAt = now
	if occ.OccurredAt.IsZero() {
		occ.OccurredAt = now
	}

	payload, err := json.Marshal(occ.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO occurrences (id, source, source_id, event_type, payload, from_addr, to_addr, subject, body, status, occurred_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (source, source_id) DO NOTHING
		RETURNING id
	`

	var insertedID string
	err = r.db.QueryRowContext(ctx, query,
		occ.ID, occ.Source, occ.SourceID, occ.EventType, payload,
		occ.From, occ.To, occ.Subject, occ.Body,
		occ.Status, occ.OccurredAt, occ.CreatedAt, occ.UpdatedAt,
	).Scan(&insertedID)

	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := r.GetBySourceID(ctx, occ.Source, occ.SourceID)
		if getErr != nil {
			return false, fmt.Errorf("failed to load existing occurrence: %w", getErr)
		}
		*occ = *existing
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert occurrence: %w", err)
	}

	return true, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Occurrence, error) {
	query := fmt.Sprintf(`SELECT %s FROM occurrences WHERE id = $1`, occurrenceColumns)

	occ, err := scanOccurrence(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("occurrence '%s' not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get occurrence: %w", err)
	}

	return occ, nil
}

func (r *PostgresRepository) GetBySourceID(ctx context.Context, source, sourceID string) (*Occurrence, error) {
	query := fmt.Sprintf(`SELECT %s FROM occurrences WHERE source = $1 AND source_id = $2`, occurrenceColumns)

	occ, err := scanOccurrence(r.db.QueryRowContext(ctx, query, source, sourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("occurrence '%s/%s' not found", source, sourceID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get occurrence: %w", err)
	}

	return occ, nil
}

func (r *PostgresRepository) Query(ctx context.Context, filter Filter) ([]Occurrence, error) {
	var (
		where []string
		args  []interface{}
	)

	addArg := func(clause string, value interface{}) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.Status != "" {
		addArg("status = $%d", string(filter.Status))
	}
	if filter.Source != "" {
		addArg("source = $%d", filter.Source)
	}
	if filter.Sender != "" {
		addArg("from_addr ILIKE $%d", "%"+filter.Sender+"%")
	}
	if filter.OccurredFrom != nil {
		addArg("occurred_at >= $%d", *filter.OccurredFrom)
	}
	if filter.OccurredTo != nil {
		addArg("occurred_at <= $%d", *filter.OccurredTo)
	}

	query := fmt.Sprintf(`SELECT %s FROM occurrences`, occurrenceColumns)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	args = append(args, filter.Limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query occurrences: %w", err)
	}
	defer rows.Close()

	return collectOccurrences(rows)
}

// ListPending returns the oldest pending occurrences for the sweeper.
func (r *PostgresRepository) ListPending(ctx context.Context, limit int) ([]Occurrence, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM occurrences
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, occurrenceColumns)

	rows, err := r.db.QueryContext(ctx, query, string(StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending occurrences: %w", err)
	}
	defer rows.Close()

	return collectOccurrences(rows)
}

// SetStatus performs the conditional transition from -> to. Zero rows
// affected means the row is gone or another pass moved it first.
func (r *PostgresRepository) SetStatus(ctx context.Context, id string, from, to Status, result *RoutingResult) error {
	var resultJSON interface{}
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal routing result: %w", err)
		}
		resultJSON = b
	}

	query := `
		UPDATE occurrences
		SET status = $1, result = $2, updated_at = $3
		WHERE id = $4 AND status = $5
	`

	res, err := r.db.ExecContext(ctx, query, string(to), resultJSON, time.Now(), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update occurrence status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return pkgerrors.ErrConflict.WithDetail("message",
			fmt.Sprintf("occurrence '%s' is no longer in status '%s'", id, from))
	}

	return nil
}

// TryRoutingLock takes the per-occurrence advisory lock on a dedicated
// connection. The caller must invoke the returned unlock exactly once.
func (r *PostgresRepository) TryRoutingLock(ctx context.Context, id string) (func(), error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	key := routingLockKey(id)

	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to take routing lock: %w", err)
	}
	if !locked {
		conn.Close()
		return nil, pkgerrors.ErrRoutingInProgress.WithDetail("occurrence_id", id)
	}

	unlock := func() {
		// Unlock must run even when the routing context is already
		// canceled, otherwise the session keeps the lock until the
		// connection dies.
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key)
		conn.Close()
	}

	return unlock, nil
}

func routingLockKey(id string) int64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return int64(h.Sum64())
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOccurrence(row rowScanner) (*Occurrence, error) {
	var (
		occ        Occurrence
		payload    []byte
		result     []byte
		status     string
		sourceID   sql.NullString
		from, to   sql.NullString
		subject    sql.NullString
		body       sql.NullString
		occurredAt sql.NullTime
	)

	err := row.Scan(
		&occ.ID, &occ.Source, &sourceID, &occ.EventType, &payload,
		&from, &to, &subject, &body,
		&status, &result, &occurredAt, &occ.CreatedAt, &occ.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	occ.SourceID = sourceID.String
	occ.From = from.String
	occ.To = to.String
	occ.Subject = subject.String
	occ.Body = body.String
	occ.Status = Status(status)
	if occurredAt.Valid {
		occ.OccurredAt = occurredAt.Time
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &occ.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if len(result) > 0 {
		var res RoutingResult
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, fmt.Errorf("failed to unmarshal routing result: %w", err)
		}
		occ.Result = &res
	}

	return &occ, nil
}

func collectOccurrences(rows *sql.Rows) ([]Occurrence, error) {
	var occurrences []Occurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan occurrence: %w", err)
		}
		occurrences = append(occurrences, *occ)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return occurrences, nil
}
