package musicbrainz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/franz/fpmatch/internal/util"
)

// DefaultMaxAge is how long a cached redirect answer is trusted
const DefaultMaxAge = 7 * 24 * time.Hour

// RedirectStore persists redirect answers. *store.Store implements it.
type RedirectStore interface {
	GetMBIDRedirect(ctx context.Context, mbid string, maxAge time.Duration) (string, bool, error)
	PutMBIDRedirect(ctx context.Context, mbid, newMBID string) error
}

// RecordingLookup resolves a single MBID upstream
type RecordingLookup interface {
	LookupRecording(ctx context.Context, mbid string) (*Recording, error)
}

// Cache provides database-backed caching for MusicBrainz redirect lookups
type Cache struct {
	store  RedirectStore
	client RecordingLookup
	MaxAge time.Duration
}

// NewCache creates a new cache instance
func NewCache(store RedirectStore, client RecordingLookup) *Cache {
	return &Cache{
		store:  store,
		client: client,
		MaxAge: DefaultMaxAge,
	}
}

// Resolve reports whether mbid was merged into another recording upstream
// and returns the MBID it now redirects to. Canonical and unknown MBIDs
// both report found=false.
func (c *Cache) Resolve(ctx context.Context, mbid string) (newMBID string, found bool, err error) {
	mbid = strings.ToLower(strings.TrimSpace(mbid))
	if mbid == "" {
		return "", false, fmt.Errorf("mbid cannot be empty")
	}

	cached, ok, err := c.store.GetMBIDRedirect(ctx, mbid, c.MaxAge)
	if err != nil {
		return "", false, err
	}
	if ok {
		util.DebugLog("MusicBrainz cache hit: %s -> '%s'", mbid, cached)
		return cached, cached != "", nil
	}

	util.DebugLog("MusicBrainz cache miss: %s, querying API", mbid)
	recording, err := c.client.LookupRecording(ctx, mbid)
	if err != nil {
		return "", false, err
	}
	if recording == nil {
		// Deleted upstream, nothing to merge into. Not cached so that a
		// later import can pick it up again.
		return "", false, nil
	}

	if recording.ID != mbid {
		newMBID = recording.ID
	}
	if err := c.store.PutMBIDRedirect(ctx, mbid, newMBID); err != nil {
		util.WarnLog("Failed to cache MusicBrainz result: %v", err)
	}
	return newMBID, newMBID != "", nil
}
