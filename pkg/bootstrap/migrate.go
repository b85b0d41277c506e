package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// RunMigrations applies all pending SQL migrations from migrationsPath.
func (dc *DatabaseConnector) RunMigrations(db *sql.DB, migrationsPath string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	dc.Logger.Info("PostgreSQL migrations applied")
	return nil
}

// EnsureNoteIndexes creates the indexes the note collection relies on.
// Index creation is idempotent so this can run on every startup.
func (dc *DatabaseConnector) EnsureNoteIndexes(ctx context.Context, db *mongo.Database, collection string) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "occurrence_id", Value: 1}},
			Options: options.Index().SetName("idx_occurrence_id"),
		},
		{
			Keys:    bson.D{{Key: "folder", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_folder_created_at"),
		},
	}

	if _, err := db.Collection(collection).Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create note indexes: %w", err)
	}

	return nil
}
