package store

import (
	"context"
	"errors"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/syndtr/goleveldb/leveldb"
)

// ErrNotFound is returned by a Backend when a key has no value.
var ErrNotFound = errors.New("key not found")

// Backend is the durable key-value storage underneath a Store.
type Backend interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value at key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases the storage.
	Close() error
}

// dsBackend stores values in an ipfs datastore under a namespace.
type dsBackend struct {
	ds datastore.Datastore
}

// NewDatastoreBackend returns a Backend that keeps its values under the
// /namecache namespace of ds. Closing the Backend closes ds.
func NewDatastoreBackend(ds datastore.Datastore) Backend {
	return &dsBackend{
		ds: namespace.Wrap(ds, datastore.NewKey(keyPrefix)),
	}
}

// NewMemoryBackend returns a Backend that does not survive process restarts.
func NewMemoryBackend() Backend {
	return NewDatastoreBackend(dssync.MutexWrap(datastore.NewMapDatastore()))
}

func (b *dsBackend) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := b.ds.Get(ctx, datastore.NewKey(key))
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return val, nil
}

func (b *dsBackend) Put(ctx context.Context, key string, value []byte) error {
	dsKey := datastore.NewKey(key)
	if err := b.ds.Put(ctx, dsKey, value); err != nil {
		return err
	}
	return b.ds.Sync(ctx, dsKey)
}

func (b *dsBackend) Delete(ctx context.Context, key string) error {
	return b.ds.Delete(ctx, datastore.NewKey(key))
}

func (b *dsBackend) Close() error {
	return b.ds.Close()
}

// LevelDB is an on-disk Backend.
type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens, or creates, a leveldb database in the directory at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func levelKey(key string) []byte {
	return []byte(keyPrefix + key)
}

func (l *LevelDB) Get(_ context.Context, key string) ([]byte, error) {
	val, err := l.db.Get(levelKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return val, nil
}

func (l *LevelDB) Put(_ context.Context, key string, value []byte) error {
	return l.db.Put(levelKey(key), value, nil)
}

func (l *LevelDB) Delete(_ context.Context, key string) error {
	return l.db.Delete(levelKey(key), nil)
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
