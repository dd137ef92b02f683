// Package checkpoint persists the restorable slice of gateway state, the
// role definitions with their assignments and the stored security
// policies, so a restart does not lose the mesh configuration.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/meshgate/meshgate/internal/common/logger"
	"github.com/meshgate/meshgate/internal/roles"
	"github.com/meshgate/meshgate/internal/security"
)

// Snapshot is the persisted slice of gateway state.
type Snapshot struct {
	Roles    roles.State       `json:"roles"`
	Policies []security.Policy `json:"policies"`
	SavedAt  time.Time         `json:"savedAt"`
}

// Store is a SQLite-backed snapshot store.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewStore opens the snapshot database and initializes the schema.
func NewStore(path string, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{
		db:     db,
		logger: log.WithFields(zap.String("component", "checkpoint")),
	}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		name TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		saved_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

type snapshotRow struct {
	Name    string    `db:"name"`
	Data    string    `db:"data"`
	SavedAt time.Time `db:"saved_at"`
}

// Save writes the snapshot, replacing any previous one.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	snap.SavedAt = time.Now().UTC()

	rolesData, err := json.Marshal(snap.Roles)
	if err != nil {
		return fmt.Errorf("failed to serialize role state: %w", err)
	}
	policiesData, err := json.Marshal(snap.Policies)
	if err != nil {
		return fmt.Errorf("failed to serialize policies: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := `
	INSERT INTO snapshots (name, data, saved_at) VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at
	`
	if _, err := tx.ExecContext(ctx, upsert, "roles", string(rolesData), snap.SavedAt); err != nil {
		return fmt.Errorf("failed to save role state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsert, "policies", string(policiesData), snap.SavedAt); err != nil {
		return fmt.Errorf("failed to save policies: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	s.logger.Info("checkpoint saved",
		zap.Int("roles", len(snap.Roles.Roles)),
		zap.Int("assignments", len(snap.Roles.Assignments)),
		zap.Int("policies", len(snap.Policies)),
	)
	return nil
}

// Load reads the last snapshot. Returns nil without error when the store
// is empty.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT name, data, saved_at FROM snapshots`); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	snap := &Snapshot{}
	for _, row := range rows {
		switch row.Name {
		case "roles":
			if err := json.Unmarshal([]byte(row.Data), &snap.Roles); err != nil {
				return nil, fmt.Errorf("failed to parse role state: %w", err)
			}
		case "policies":
			if err := json.Unmarshal([]byte(row.Data), &snap.Policies); err != nil {
				return nil, fmt.Errorf("failed to parse policies: %w", err)
			}
		}
		if row.SavedAt.After(snap.SavedAt) {
			snap.SavedAt = row.SavedAt
		}
	}
	return snap, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
