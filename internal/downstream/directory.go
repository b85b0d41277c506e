package downstream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	pkgerrors "relay/pkg/errors"
)

// Contact is a directory entity the tag action attaches tags to. The tag
// action never creates contacts; missing senders are a no-op.
type Contact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Directory struct {
	db *sql.DB
}

func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) FindByEmail(ctx context.Context, email string) (*Contact, error) {
	query := `
		SELECT id, name, email, tags, created_at, updated_at
		FROM contacts
		WHERE LOWER(email) = LOWER($1)
	`

	var contact Contact
	err := d.db.QueryRowContext(ctx, query, email).Scan(
		&contact.ID, &contact.Name, &contact.Email,
		pq.Array(&contact.Tags), &contact.CreatedAt, &contact.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("contact '%s' not found", email))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find contact: %w", err)
	}

	return &contact, nil
}

// AddTags merges tags into the contact's tag set, deduplicating in SQL.
func (d *Directory) AddTags(ctx context.Context, contactID string, tags []string) error {
	query := `
		UPDATE contacts
		SET tags = ARRAY(SELECT DISTINCT unnest(tags || $1::text[]) ORDER BY 1),
		    updated_at = $2
		WHERE id = $3
	`

	res, err := d.db.ExecContext(ctx, query, pq.Array(tags), time.Now(), contactID)
	if err != nil {
		return fmt.Errorf("failed to add tags: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("contact '%s' not found", contactID))
	}

	return nil
}

func (d *Directory) Create(ctx context.Context, contact *Contact) error {
	if contact.ID == "" {
		contact.ID = uuid.New().String()
	}
	now := time.Now()
	contact.CreatedAt = now
	contact.UpdatedAt = now
	if contact.Tags == nil {
		contact.Tags = []string{}
	}

	query := `
		INSERT INTO contacts (id, name, email, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := d.db.ExecContext(ctx, query,
		contact.ID, contact.Name, contact.Email,
		pq.Array(contact.Tags), contact.CreatedAt, contact.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return pkgerrors.ErrConflict.WithCause(err).WithDetail("message",
				fmt.Sprintf("contact with email '%s' already exists", contact.Email))
		}
		return fmt.Errorf("failed to create contact: %w", err)
	}

	return nil
}
