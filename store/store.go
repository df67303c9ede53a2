// Package store persists the display name cache and its control values so
// that the cache survives process restarts.
//
// A Store holds four values: the serialized name map, the time of the last
// full refresh, the schema version of the serialized data, and the time until
// which remote refreshes are suppressed after a failure. Reads never fail: a
// missing or unreadable value is logged and reported as its zero value, so a
// cache whose storage is broken degrades to memory-only operation.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-varint"
)

var log = logging.Logger("store")

const (
	keyPrefix = "/namecache"

	namesKey         = "/names"
	lastRefreshKey   = "/last-refresh"
	schemaVersionKey = "/schema-version"
	cooldownKey      = "/cooldown-until"
)

var (
	// ErrPersistence wraps every error writing to the Backend.
	ErrPersistence = errors.New("persistence error")
	// ErrSchemaMismatch is logged when stored data has a different schema
	// version than expected, and is discarded.
	ErrSchemaMismatch = errors.New("schema version mismatch")
)

// Store reads and writes cache data in a Backend.
type Store struct {
	backend Backend
}

// New creates a Store on top of backend. The Store owns the backend and
// closes it on Close.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Load returns the stored name map. If there is no stored map, or it cannot
// be decoded, an empty map is returned.
func (s *Store) Load(ctx context.Context) map[string]string {
	names := make(map[string]string)
	data, err := s.backend.Get(ctx, namesKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Errorw("Cannot read stored names", "err", err)
		}
		return names
	}
	if err = json.Unmarshal(data, &names); err != nil {
		log.Warnw("Discarding corrupt stored names", "err", err)
		return make(map[string]string)
	}
	for addr, name := range names {
		if addr == "" || name == "" {
			delete(names, addr)
		}
	}
	return names
}

// Save overwrites the stored name map. If refreshedAt is not zero, it is also
// stored as the time of the last full refresh.
func (s *Store) Save(ctx context.Context, names map[string]string, refreshedAt time.Time) error {
	if names == nil {
		names = map[string]string{}
	}
	data, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("%w: cannot encode names: %w", ErrPersistence, err)
	}

	var errs error
	if err = s.backend.Put(ctx, namesKey, data); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("%w: cannot write names: %w", ErrPersistence, err))
	}
	if !refreshedAt.IsZero() {
		if err = s.putTime(ctx, lastRefreshKey, refreshedAt); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// LastRefresh returns the time of the last successful full refresh, or zero
// time if there has not been one.
func (s *Store) LastRefresh(ctx context.Context) time.Time {
	return s.getTime(ctx, lastRefreshKey)
}

// CooldownUntil returns the time until which refreshes are suppressed, or
// zero time if there is no cooldown.
func (s *Store) CooldownUntil(ctx context.Context) time.Time {
	return s.getTime(ctx, cooldownKey)
}

// SetCooldownUntil stores the end of the cooldown. A zero time clears it.
func (s *Store) SetCooldownUntil(ctx context.Context, until time.Time) error {
	if until.IsZero() {
		return s.delete(ctx, cooldownKey)
	}
	return s.putTime(ctx, cooldownKey, until)
}

// SchemaVersion returns the stored schema version. The second return is
// false if no version is stored.
func (s *Store) SchemaVersion(ctx context.Context) (int, bool) {
	v, ok := s.getUvarint(ctx, schemaVersionKey)
	return int(v), ok
}

func (s *Store) SetSchemaVersion(ctx context.Context, version int) error {
	if version < 0 {
		return fmt.Errorf("invalid schema version %d", version)
	}
	return s.putUvarint(ctx, schemaVersionKey, uint64(version))
}

// EnsureSchema makes sure the stored data has the given schema version. If
// it does not, all stored data is discarded and the version is stored. The
// return is true if data was discarded.
func (s *Store) EnsureSchema(ctx context.Context, version int) bool {
	stored, ok := s.SchemaVersion(ctx)
	if ok && stored == version {
		return false
	}
	if ok {
		log.Warnw("Discarding stored names", "err", ErrSchemaMismatch, "stored", stored, "expected", version)
	}
	if err := s.Clear(ctx); err != nil {
		log.Errorw("Cannot clear stored names", "err", err)
	}
	if err := s.SetSchemaVersion(ctx, version); err != nil {
		log.Errorw("Cannot store schema version", "err", err)
	}
	return ok
}

// Clear removes the stored names, last refresh time, and cooldown.
func (s *Store) Clear(ctx context.Context) error {
	var errs error
	for _, key := range []string{namesKey, lastRefreshKey, cooldownKey} {
		if err := s.delete(ctx, key); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) delete(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: cannot delete %s: %w", ErrPersistence, key, err)
	}
	return nil
}

func (s *Store) getTime(ctx context.Context, key string) time.Time {
	ms, ok := s.getUvarint(ctx, key)
	if !ok || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

func (s *Store) putTime(ctx context.Context, key string, t time.Time) error {
	ms := t.UnixMilli()
	if ms <= 0 {
		return s.delete(ctx, key)
	}
	return s.putUvarint(ctx, key, uint64(ms))
}

func (s *Store) getUvarint(ctx context.Context, key string) (uint64, bool) {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Errorw("Cannot read stored value", "key", key, "err", err)
		}
		return 0, false
	}
	v, _, err := varint.FromUvarint(data)
	if err != nil {
		log.Warnw("Ignoring corrupt stored value", "key", key, "err", err)
		return 0, false
	}
	return v, true
}

func (s *Store) putUvarint(ctx context.Context, key string, v uint64) error {
	if err := s.backend.Put(ctx, key, varint.ToUvarint(v)); err != nil {
		return fmt.Errorf("%w: cannot write %s: %w", ErrPersistence, key, err)
	}
	return nil
}
