// internal/ledger/ledger.go
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/remotesuite/internal/controlplane"
)

// DBPool abstracts pgxpool.Pool so the ledger can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const table = "session_updates"

var columns = []string{"session_id", "verb", "url", "status", "name", "reason", "error", "recorded_at"}

const schemaSQL = `
    CREATE TABLE IF NOT EXISTS session_updates (
        id          BIGSERIAL PRIMARY KEY,
        session_id  TEXT NOT NULL,
        verb        TEXT NOT NULL,
        url         TEXT NOT NULL,
        status      TEXT NOT NULL DEFAULT '',
        name        TEXT NOT NULL DEFAULT '',
        reason      TEXT NOT NULL DEFAULT '',
        error       TEXT NOT NULL DEFAULT '',
        recorded_at TIMESTAMPTZ NOT NULL
    );
    CREATE INDEX IF NOT EXISTS session_updates_session_id_idx ON session_updates (session_id);
`

const selectBySessionSQL = `
    SELECT verb, url, status, name, reason, error, recorded_at
    FROM session_updates
    WHERE session_id = $1
    ORDER BY recorded_at ASC;
`

// Entry is one stored status push.
type Entry struct {
	SessionID  string
	Verb       string
	URL        string
	Status     string
	Name       string
	Reason     string
	Error      string
	RecordedAt time.Time
}

// Succeeded reports whether the push was accepted by the API.
func (e Entry) Succeeded() bool { return e.Error == "" }

// Ledger records control-plane status pushes in PostgreSQL. Records are
// buffered and written in one COPY per Flush.
type Ledger struct {
	pool DBPool
	log  *zap.Logger

	mu      sync.Mutex
	pending []Entry
}

// New creates a ledger and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Ledger, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Ledger{pool: pool, log: logger.Named("ledger")}, nil
}

// EnsureSchema creates the ledger table when missing.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return nil
}

// Record implements controlplane.Recorder.
func (l *Ledger) Record(_ context.Context, rec controlplane.Record) error {
	e := Entry{
		SessionID:  rec.SessionID,
		Verb:       rec.Verb,
		URL:        rec.URL,
		Status:     rec.Body.Status,
		Name:       rec.Body.Name,
		Reason:     rec.Body.Reason,
		RecordedAt: rec.At.UTC(),
	}
	if rec.Err != nil {
		e.Error = rec.Err.Error()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	l.mu.Lock()
	l.pending = append(l.pending, e)
	l.mu.Unlock()
	return nil
}

// Pending returns the number of buffered entries.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Flush writes the buffered entries in a single transaction. On failure the
// entries stay buffered for the next attempt.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := l.persist(ctx, batch); err != nil {
		l.mu.Lock()
		l.pending = append(batch, l.pending...)
		l.mu.Unlock()
		return err
	}
	l.log.Debug("Ledger flushed.", zap.Int("entries", len(batch)))
	return nil
}

func (l *Ledger) persist(ctx context.Context, batch []Entry) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			l.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	rows := make([][]any, len(batch))
	for i, e := range batch {
		rows[i] = []any{e.SessionID, e.Verb, e.URL, e.Status, e.Name, e.Reason, e.Error, e.RecordedAt}
	}
	copied, err := tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy session updates: %w", err)
	}
	if int(copied) != len(batch) {
		return fmt.Errorf("mismatch in copied session updates: expected %d, got %d", len(batch), copied)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// BySession returns the stored pushes for a session, oldest first.
func (l *Ledger) BySession(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := l.pool.Query(ctx, selectBySessionSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session updates: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e := Entry{SessionID: sessionID}
		if err := rows.Scan(&e.Verb, &e.URL, &e.Status, &e.Name, &e.Reason, &e.Error, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session update row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}

var _ controlplane.Recorder = (*Ledger)(nil)
