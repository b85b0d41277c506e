package downstream

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"

	"relay/internal/logger"
)

// Note is the document written by the create_note action.
type Note struct {
	ID           string    `bson:"_id" json:"id"`
	OccurrenceID string    `bson:"occurrence_id" json:"occurrence_id"`
	Title        string    `bson:"title" json:"title"`
	Content      string    `bson:"content" json:"content"`
	Folder       string    `bson:"folder" json:"folder"`
	Tags         []string  `bson:"tags,omitempty" json:"tags,omitempty"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
}

type NoteStore struct {
	collection *mongo.Collection
	logger     logger.Logger
}

func NewNoteStore(db *mongo.Database, collection string, log logger.Logger) *NoteStore {
	return &NoteStore{
		collection: db.Collection(collection),
		logger:     log,
	}
}

func (s *NoteStore) Create(ctx context.Context, note Note) (string, error) {
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	note.CreatedAt = time.Now()

	if _, err := s.collection.InsertOne(ctx, note); err != nil {
		return "", fmt.Errorf("failed to insert note: %w", err)
	}

	s.logger.DebugwCtx(ctx, "Note created",
		"note_id", note.ID,
		"occurrence_id", note.OccurrenceID,
		"folder", note.Folder,
	)

	return note.ID, nil
}
