package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relay/internal/constants"
	"relay/internal/downstream"
	"relay/internal/occurrence"
	pkgerrors "relay/pkg/errors"
)

// NoteStore, Directory and TaskSubstrate are the downstream surfaces the
// actions touch. The concrete adapters live in internal/downstream.
type NoteStore interface {
	Create(ctx context.Context, note downstream.Note) (string, error)
}

type Directory interface {
	FindByEmail(ctx context.Context, email string) (*downstream.Contact, error)
	AddTags(ctx context.Context, contactID string, tags []string) error
}

type TaskSubstrate interface {
	Spawn(ctx context.Context, taskName string, params map[string]interface{}, occurrenceID string) (string, error)
}

const defaultTitleTemplate = "{subject}"

func (d *Dispatcher) createNote(ctx context.Context, occ *occurrence.Occurrence, cfg *CreateNoteConfig) (*Outcome, error) {
	if d.notes == nil {
		return nil, fmt.Errorf("note store is not configured")
	}

	template := cfg.TitleTemplate
	if template == "" {
		template = defaultTitleTemplate
	}

	folder := cfg.Folder
	if folder == "" {
		folder = constants.DefaultNoteFolder
	}

	note := downstream.Note{
		OccurrenceID: occ.ID,
		Title:        expandTitle(template, occ),
		Content:      renderNoteContent(occ),
		Folder:       folder,
		Tags:         cfg.Tags,
	}

	noteID, err := d.notes.Create(ctx, note)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Applied: true,
		Detail:  fmt.Sprintf("note '%s' created in folder '%s'", note.Title, folder),
		Output: map[string]interface{}{
			"note_id": noteID,
			"title":   note.Title,
			"folder":  folder,
		},
	}, nil
}

func (d *Dispatcher) tag(ctx context.Context, occ *occurrence.Occurrence, cfg *TagConfig) (*Outcome, error) {
	if d.directory == nil {
		return nil, fmt.Errorf("directory is not configured")
	}

	if occ.From == "" {
		return &Outcome{
			Applied: false,
			Detail:  "occurrence has no sender to resolve",
		}, nil
	}

	contact, err := d.directory.FindByEmail(ctx, occ.From)
	if pkgerrors.IsNotFound(err) {
		// Tagging never creates directory entries.
		return &Outcome{
			Applied: false,
			Detail:  fmt.Sprintf("no contact for sender '%s'", occ.From),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := d.directory.AddTags(ctx, contact.ID, cfg.Tags); err != nil {
		return nil, err
	}

	return &Outcome{
		Applied: true,
		Detail:  fmt.Sprintf("tagged contact '%s'", contact.Email),
		Output: map[string]interface{}{
			"contact_id": contact.ID,
			"tags":       cfg.Tags,
		},
	}, nil
}

func (d *Dispatcher) ignore(_ context.Context, occ *occurrence.Occurrence) (*Outcome, error) {
	return &Outcome{
		Applied: true,
		Detail:  fmt.Sprintf("occurrence '%s' ignored", occ.ID),
	}, nil
}

func (d *Dispatcher) spawnTask(ctx context.Context, occ *occurrence.Occurrence, cfg *SpawnTaskConfig) (*Outcome, error) {
	if d.tasks == nil {
		return nil, fmt.Errorf("task substrate is not configured")
	}

	taskID, err := d.tasks.Spawn(ctx, cfg.TaskName, cfg.TaskParams, occ.ID)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Applied: true,
		Detail:  fmt.Sprintf("task '%s' enqueued", cfg.TaskName),
		Output: map[string]interface{}{
			"task_id":   taskID,
			"task_name": cfg.TaskName,
		},
	}, nil
}

// expandTitle substitutes the {subject}, {from} and {date} placeholders.
func expandTitle(template string, occ *occurrence.Occurrence) string {
	occurredAt := occ.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = occ.CreatedAt
	}

	replacer := strings.NewReplacer(
		"{subject}", occ.Subject,
		"{from}", occ.From,
		"{date}", occurredAt.Format(time.DateOnly),
	)

	title := strings.TrimSpace(replacer.Replace(template))
	if title == "" {
		title = occ.Summary()
	}
	return title
}

func renderNoteContent(occ *occurrence.Occurrence) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", occ.Summary())
	fmt.Fprintf(&b, "- Source: %s\n", occ.Source)
	fmt.Fprintf(&b, "- Event type: %s\n", occ.EventType)
	if occ.From != "" {
		fmt.Fprintf(&b, "- From: %s\n", occ.From)
	}
	if occ.To != "" {
		fmt.Fprintf(&b, "- To: %s\n", occ.To)
	}
	if !occ.OccurredAt.IsZero() {
		fmt.Fprintf(&b, "- Occurred at: %s\n", occ.OccurredAt.UTC().Format(time.RFC3339))
	}

	if occ.Body != "" {
		fmt.Fprintf(&b, "\n%s\n", occ.Body)
	}

	return b.String()
}
