package replication

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/franz/fpmatch/internal/store"
	"github.com/franz/fpmatch/internal/util"
)

// DefaultSlotName is the logical replication slot used by the pipeline
const DefaultSlotName = "fpindex"

// ErrSlotBusy means another pipeline instance owns the slot
var ErrSlotBusy = errors.New("replication slot is in use by another instance")

// Source is a logical replication source for the fingerprint table
type Source interface {
	// Acquire takes exclusive ownership of the slot or fails with ErrSlotBusy
	Acquire(ctx context.Context) error
	// EnsureSlot creates the slot when it does not exist. When it reports
	// true a snapshot is open and must be drained with ScanSnapshot and
	// closed with FinishSnapshot.
	EnsureSlot(ctx context.Context) (created bool, err error)
	// EstimateCount returns the approximate number of fingerprints
	EstimateCount(ctx context.Context) (int64, error)
	// ScanSnapshot pages through the snapshot in id order
	ScanSnapshot(ctx context.Context, afterID int64, limit int) ([]*store.Fingerprint, error)
	// FinishSnapshot closes the snapshot. Without commit the slot is dropped
	// so that the next run starts over.
	FinishSnapshot(ctx context.Context, commit bool) error
	// Peek returns up to limit pending changes without consuming them
	Peek(ctx context.Context, limit int) ([]Change, error)
	// Advance consumes every change up to and including lsn
	Advance(ctx context.Context, lsn uint64) error
	Close() error
}

// PostgresSource reads a wal2json logical replication slot. It keeps one
// dedicated session: the slot is temporary and the ownership lock is a
// session lock, so both go away with the connection.
type PostgresSource struct {
	db       *sql.DB
	conn     *sql.Conn
	slot     string
	snapshot *sql.Tx
	locked   bool
}

// OpenPostgresSource connects to the fingerprint database at dsn
func OpenPostgresSource(ctx context.Context, dsn, slot string) (*PostgresSource, error) {
	if slot == "" {
		slot = DefaultSlotName
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return &PostgresSource{db: db, conn: conn, slot: slot}, nil
}

func (s *PostgresSource) Acquire(ctx context.Context) error {
	var ok bool
	err := s.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", store.LockKey("replication", s.slot)).Scan(&ok)
	if err != nil {
		return fmt.Errorf("failed to lock replication slot %s: %w", s.slot, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSlotBusy, s.slot)
	}
	s.locked = true
	return nil
}

func (s *PostgresSource) EnsureSlot(ctx context.Context) (bool, error) {
	var exists bool
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) > 0 FROM pg_replication_slots WHERE slot_name = $1", s.slot).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check replication slot: %w", err)
	}
	if exists {
		util.InfoLog("Replication slot %s already exists", s.slot)
		return false, nil
	}

	// The slot is created before the snapshot is taken, so every change
	// committed after the snapshot is also in the slot. Changes in between
	// show up twice, which consumers tolerate.
	util.InfoLog("Creating replication slot %s", s.slot)
	if _, err := s.conn.ExecContext(ctx, "SELECT * FROM pg_create_logical_replication_slot($1, 'wal2json', temporary => true)", s.slot); err != nil {
		return false, fmt.Errorf("failed to create replication slot: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		s.dropSlot()
		return false, fmt.Errorf("failed to open snapshot: %w", err)
	}
	s.snapshot = tx
	return true, nil
}

func (s *PostgresSource) EstimateCount(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	err := s.conn.QueryRowContext(ctx, "SELECT reltuples::bigint FROM pg_class WHERE relname = 'fingerprint'").Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to estimate fingerprint count: %w", err)
	}
	return max(n.Int64, 0), nil
}

func (s *PostgresSource) ScanSnapshot(ctx context.Context, afterID int64, limit int) ([]*store.Fingerprint, error) {
	if s.snapshot == nil {
		return nil, fmt.Errorf("no snapshot open")
	}
	return store.WrapTx(s.snapshot, store.Postgres).ScanFingerprints(ctx, afterID, limit)
}

func (s *PostgresSource) FinishSnapshot(ctx context.Context, commit bool) error {
	if s.snapshot == nil {
		return nil
	}
	tx := s.snapshot
	s.snapshot = nil

	if commit {
		if err := tx.Commit(); err != nil {
			s.dropSlot()
			return fmt.Errorf("failed to close snapshot: %w", err)
		}
		return nil
	}

	tx.Rollback()
	s.dropSlot()
	return nil
}

// dropSlot runs even when the caller's context is already cancelled
func (s *PostgresSource) dropSlot() {
	util.InfoLog("Dropping replication slot %s", s.slot)
	if _, err := s.conn.ExecContext(context.Background(), "SELECT * FROM pg_drop_replication_slot($1)", s.slot); err != nil {
		util.WarnLog("Failed to drop replication slot %s: %v", s.slot, err)
	}
}

func (s *PostgresSource) Peek(ctx context.Context, limit int) ([]Change, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT lsn::text, xid::text, data
		FROM pg_logical_slot_peek_changes($1, NULL, $2,
			'add-tables', 'public.fingerprint', 'format-version', '2')
	`, s.slot, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to peek replication slot: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var lsnText, xidText string
		var data []byte
		if err := rows.Scan(&lsnText, &xidText, &data); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		lsn, err := ParseLSN(lsnText)
		if err != nil {
			return nil, err
		}
		xid, err := strconv.ParseInt(xidText, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid xid %q: %w", xidText, err)
		}
		change, err := ParseWal2JSON(lsn, xid, data)
		if err != nil {
			return nil, fmt.Errorf("change at %s: %w", lsnText, err)
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

func (s *PostgresSource) Advance(ctx context.Context, lsn uint64) error {
	_, err := s.conn.ExecContext(ctx, "SELECT pg_replication_slot_advance($1, $2::pg_lsn)", s.slot, FormatLSN(lsn))
	if err != nil {
		return fmt.Errorf("failed to advance replication slot to %s: %w", FormatLSN(lsn), err)
	}
	return nil
}

// Close ends the session, which releases the slot and the lock
func (s *PostgresSource) Close() error {
	if s.snapshot != nil {
		s.FinishSnapshot(context.Background(), false)
	}
	if s.locked {
		s.conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", store.LockKey("replication", s.slot))
	}
	s.conn.Close()
	return s.db.Close()
}
