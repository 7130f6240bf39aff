package credits

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only schema change.
type migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

var migrations = []migration{
	{
		Version:     1,
		Description: "create balance and ledger_entries",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE balance (
					id          INTEGER  PRIMARY KEY CHECK (id = 1),
					credits     REAL     NOT NULL,
					updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				);
				CREATE TABLE ledger_entries (
					id          INTEGER  PRIMARY KEY AUTOINCREMENT,
					delta       REAL     NOT NULL,
					reason      TEXT     NOT NULL,
					balance     REAL     NOT NULL,
					created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				);
			`)
			return err
		},
	},
	{
		Version:     2,
		Description: "create _schema_meta",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE _schema_meta (
					id           INTEGER  PRIMARY KEY CHECK (id = 1),
					app_version  TEXT     NOT NULL,
					updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)
			`)
			return err
		},
	},
}

// migrate applies pending migrations in ascending Version order. Applied
// versions are tracked in _migrations.
func (l *Ledger) migrate(ctx context.Context, ms []migration) error {
	if err := l.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, m := range ms {
		applied, err := l.isMigrationApplied(ctx, m.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := l.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

func (l *Ledger) ensureMigrationsTable(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		_, err = l.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS _migrations (
				version     INTEGER  PRIMARY KEY,
				description TEXT     NOT NULL,
				applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)
		`)
	})
	return err
}

func (l *Ledger) isMigrationApplied(ctx context.Context, version int) (bool, error) {
	var count int
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM _migrations WHERE version = ?", version,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check migration %d: %w", version, err)
	}
	return count > 0, nil
}

func (l *Ledger) applyMigration(ctx context.Context, m migration) error {
	return l.tx(ctx, func(tx *sql.Tx) error {
		if err := m.Up(tx); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO _migrations (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		)
		return err
	})
}
