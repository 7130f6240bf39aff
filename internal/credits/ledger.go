// Package credits is a local SQLite credit ledger. It implements chat.Biller
// so the transport can charge completed replies against a balance.
package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/HerbHall/chatwire/internal/metrics"
	"github.com/HerbHall/chatwire/pkg/chat"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrInsufficientCredits is returned by Consume when the balance cannot
// cover the cost. The balance is left unchanged.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrNewerSchema is returned when the database was written by a newer
// chatwire than the running binary.
var ErrNewerSchema = errors.New("credit database was created by a newer version of chatwire")

// Compile-time interface guard.
var _ chat.Biller = (*Ledger)(nil)

// Entry is one balance change.
type Entry struct {
	ID        int64
	Delta     float64
	Reason    string
	Balance   float64
	CreatedAt time.Time
}

// Ledger is a single-account credit balance with an append-only history.
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
	mu     sync.Mutex // Serializes migrations
	once   sync.Once  // Ensures _migrations is created once
}

// Open opens (or creates) the ledger database at path, applies pragmas and
// migrations, and seeds the balance with initial on first use.
func Open(ctx context.Context, path string, initial float64, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// One writer; WAL lets readers proceed.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// modernc.org/sqlite takes pragmas as statements, not DSN params.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	l := &Ledger{db: db, logger: logger}
	if err := l.migrate(ctx, migrations); err != nil {
		db.Close()
		return nil, err
	}
	if err := l.seed(ctx, initial); err != nil {
		db.Close()
		return nil, err
	}
	if bal, err := l.Balance(ctx); err == nil {
		metrics.CreditsRemaining.Set(bal)
	}
	return l, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Balance returns the current credit balance.
func (l *Ledger) Balance(ctx context.Context) (float64, error) {
	var bal float64
	err := l.db.QueryRowContext(ctx, "SELECT credits FROM balance WHERE id = 1").Scan(&bal)
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return bal, nil
}

// Consume deducts cost from the balance. A cost of zero is a no-op.
func (l *Ledger) Consume(ctx context.Context, cost float64) error {
	if cost < 0 {
		return fmt.Errorf("consume: negative cost %v", cost)
	}
	if cost == 0 {
		return nil
	}

	var remaining float64
	err := l.tx(ctx, func(tx *sql.Tx) error {
		var bal float64
		if err := tx.QueryRowContext(ctx, "SELECT credits FROM balance WHERE id = 1").Scan(&bal); err != nil {
			return fmt.Errorf("query balance: %w", err)
		}
		if bal < cost {
			return fmt.Errorf("%w: balance %.4f, cost %.4f", ErrInsufficientCredits, bal, cost)
		}
		remaining = bal - cost
		return l.applyTx(ctx, tx, -cost, "consume", remaining)
	})
	if err != nil {
		return err
	}

	metrics.CreditsRemaining.Set(remaining)
	l.logger.Debug("credits consumed", zap.Float64("cost", cost), zap.Float64("remaining", remaining))
	return nil
}

// Grant adds amount to the balance and returns the new balance.
func (l *Ledger) Grant(ctx context.Context, amount float64, reason string) (float64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("grant: amount must be positive, got %v", amount)
	}
	if reason == "" {
		reason = "grant"
	}

	var remaining float64
	err := l.tx(ctx, func(tx *sql.Tx) error {
		var bal float64
		if err := tx.QueryRowContext(ctx, "SELECT credits FROM balance WHERE id = 1").Scan(&bal); err != nil {
			return fmt.Errorf("query balance: %w", err)
		}
		remaining = bal + amount
		return l.applyTx(ctx, tx, amount, reason, remaining)
	})
	if err != nil {
		return 0, err
	}

	metrics.CreditsRemaining.Set(remaining)
	l.logger.Info("credits granted", zap.Float64("amount", amount), zap.String("reason", reason))
	return remaining, nil
}

// History returns the most recent balance changes, newest first.
func (l *Ledger) History(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		"SELECT id, delta, reason, balance, created_at FROM ledger_entries ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Delta, &e.Reason, &e.Balance, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CheckVersion refuses to open a database written by a newer binary and
// records currentVersion otherwise. "dev" always passes.
func (l *Ledger) CheckVersion(ctx context.Context, currentVersion string) error {
	var stored string
	err := l.db.QueryRowContext(ctx, "SELECT app_version FROM _schema_meta WHERE id = 1").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = l.db.ExecContext(ctx,
			"INSERT INTO _schema_meta (id, app_version, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)",
			currentVersion,
		)
		if err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	if stored != "dev" && currentVersion != "dev" {
		if semver.Compare(normalizeVersion(currentVersion), normalizeVersion(stored)) < 0 {
			return fmt.Errorf("%w: database=%s, binary=%s", ErrNewerSchema, stored, currentVersion)
		}
	}
	if stored == currentVersion {
		return nil
	}
	_, err = l.db.ExecContext(ctx,
		"UPDATE _schema_meta SET app_version = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1",
		currentVersion,
	)
	if err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	return nil
}

func (l *Ledger) seed(ctx context.Context, initial float64) error {
	return l.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO balance (id, credits, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)",
			initial,
		)
		if err != nil {
			return fmt.Errorf("seed balance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 && initial != 0 {
			_, err = tx.ExecContext(ctx,
				"INSERT INTO ledger_entries (delta, reason, balance) VALUES (?, 'initial', ?)",
				initial, initial,
			)
			if err != nil {
				return fmt.Errorf("record initial grant: %w", err)
			}
			l.logger.Info("credit ledger created", zap.Float64("initial", initial))
		}
		return nil
	})
}

// applyTx writes the new balance and its history entry.
func (l *Ledger) applyTx(ctx context.Context, tx *sql.Tx, delta float64, reason string, balance float64) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE balance SET credits = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1",
		balance,
	); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO ledger_entries (delta, reason, balance) VALUES (?, ?, ?)",
		delta, reason, balance,
	); err != nil {
		return fmt.Errorf("record entry: %w", err)
	}
	return nil
}

// tx executes fn within a transaction, committing if fn returns nil.
func (l *Ledger) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	return tx.Commit()
}

// normalizeVersion adds the "v" prefix semver comparison expects.
func normalizeVersion(v string) string {
	if v != "" && v[0] != 'v' {
		return "v" + v
	}
	return v
}
