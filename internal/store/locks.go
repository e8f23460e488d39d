package store

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// LockKey maps an (operation, identifier) pair to a 64-bit advisory lock key
func LockKey(name, key string) int64 {
	h := xxhash.New()
	h.WriteString(name)
	h.Write([]byte{0})
	h.WriteString(key)
	return int64(h.Sum64())
}

// TryAdvisoryLock takes a transaction-scoped advisory lock without waiting.
// It returns false when another transaction holds the lock. SQLite stores
// run with a single connection, so the lock is always granted there.
func (tx *Tx) TryAdvisoryLock(ctx context.Context, name, key string) (bool, error) {
	if tx.dialect != Postgres {
		return true, nil
	}

	var ok bool
	if err := tx.queryRow(ctx, "SELECT pg_try_advisory_xact_lock(?)", LockKey(name, key)).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to take advisory lock %s(%s): %w", name, key, err)
	}
	return ok, nil
}
