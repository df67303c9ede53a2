package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"
	"github.com/walletnames/go-namecache/store"
)

// failBackend fails every write and returns bad data on every read.
type failBackend struct{}

func (failBackend) Get(context.Context, string) ([]byte, error) { return nil, errors.New("disk gone") }
func (failBackend) Put(context.Context, string, []byte) error  { return errors.New("disk full") }
func (failBackend) Delete(context.Context, string) error        { return errors.New("disk gone") }
func (failBackend) Close() error                                { return nil }

func backends(t *testing.T) map[string]store.Backend {
	ldb, err := store.OpenLevelDB(t.TempDir())
	require.NoError(t, err)
	return map[string]store.Backend{
		"datastore": store.NewDatastoreBackend(dssync.MutexWrap(datastore.NewMapDatastore())),
		"leveldb":   ldb,
	}
}

func TestLoadSave(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := store.New(backend)
			defer s.Close()

			require.Empty(t, s.Load(ctx))
			require.True(t, s.LastRefresh(ctx).IsZero())

			names := map[string]string{"W1": "Bob", "W2": "Carol"}
			now := time.UnixMilli(1700000000123)
			require.NoError(t, s.Save(ctx, names, now))
			require.Equal(t, names, s.Load(ctx))
			require.True(t, now.Equal(s.LastRefresh(ctx)))

			// Saving without a refresh time keeps the previous one.
			names["W3"] = "Dave"
			require.NoError(t, s.Save(ctx, names, time.Time{}))
			require.Equal(t, names, s.Load(ctx))
			require.True(t, now.Equal(s.LastRefresh(ctx)))
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	s := store.New(backend)

	names := map[string]string{
		"W3": "Zed",
		"W1": "<Bob & co>",
		"W2": "Ünïcode",
	}
	require.NoError(t, s.Save(ctx, names, time.Time{}))
	first, err := backend.Get(ctx, "/names")
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, s.Load(ctx), time.Time{}))
	second, err := backend.Get(ctx, "/names")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestLoadCorrupt(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	require.NoError(t, backend.Put(ctx, "/names", []byte("{not json")))
	require.NoError(t, backend.Put(ctx, "/last-refresh", []byte{0xff}))

	s := store.New(backend)
	names := s.Load(ctx)
	require.NotNil(t, names)
	require.Empty(t, names)
	require.True(t, s.LastRefresh(ctx).IsZero())

	require.NoError(t, backend.Put(ctx, "/names", []byte(`{"W1":"Bob","W2":"","":"x"}`)))
	require.Equal(t, map[string]string{"W1": "Bob"}, s.Load(ctx))
}

func TestCooldown(t *testing.T) {
	ctx := context.Background()
	s := store.New(store.NewMemoryBackend())
	require.True(t, s.CooldownUntil(ctx).IsZero())

	until := time.UnixMilli(1700000030000)
	require.NoError(t, s.SetCooldownUntil(ctx, until))
	require.True(t, until.Equal(s.CooldownUntil(ctx)))

	require.NoError(t, s.SetCooldownUntil(ctx, time.Time{}))
	require.True(t, s.CooldownUntil(ctx).IsZero())
}

func TestEnsureSchema(t *testing.T) {
	ctx := context.Background()
	s := store.New(store.NewMemoryBackend())

	_, ok := s.SchemaVersion(ctx)
	require.False(t, ok)

	// Fresh store: version recorded, nothing discarded.
	require.False(t, s.EnsureSchema(ctx, 1))
	v, ok := s.SchemaVersion(ctx)
	require.True(t, ok)
	require.Equal(t, 1, v)

	names := map[string]string{"W1": "Bob"}
	require.NoError(t, s.Save(ctx, names, time.Now()))
	require.NoError(t, s.SetCooldownUntil(ctx, time.Now().Add(time.Minute)))

	// Same version keeps data.
	require.False(t, s.EnsureSchema(ctx, 1))
	require.Equal(t, names, s.Load(ctx))

	// Version bump discards everything.
	require.True(t, s.EnsureSchema(ctx, 2))
	require.Empty(t, s.Load(ctx))
	require.True(t, s.LastRefresh(ctx).IsZero())
	require.True(t, s.CooldownUntil(ctx).IsZero())
	v, _ = s.SchemaVersion(ctx)
	require.Equal(t, 2, v)

	require.Error(t, s.SetSchemaVersion(ctx, -1))
}

func TestBackendFailure(t *testing.T) {
	ctx := context.Background()
	s := store.New(failBackend{})

	// Reads never fail.
	require.Empty(t, s.Load(ctx))
	require.True(t, s.LastRefresh(ctx).IsZero())
	require.True(t, s.CooldownUntil(ctx).IsZero())
	_, ok := s.SchemaVersion(ctx)
	require.False(t, ok)

	// Writes report persistence errors.
	err := s.Save(ctx, map[string]string{"W1": "Bob"}, time.Now())
	require.ErrorIs(t, err, store.ErrPersistence)
	require.ErrorContains(t, err, "disk full")
	require.ErrorIs(t, s.SetCooldownUntil(ctx, time.Now()), store.ErrPersistence)
	require.ErrorIs(t, s.Clear(ctx), store.ErrPersistence)
}

func TestLevelDBPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ldb, err := store.OpenLevelDB(dir)
	require.NoError(t, err)
	s := store.New(ldb)
	require.False(t, s.EnsureSchema(ctx, 3))
	require.NoError(t, s.Save(ctx, map[string]string{"W1": "Bob"}, time.Now()))
	require.NoError(t, s.Close())

	ldb, err = store.OpenLevelDB(dir)
	require.NoError(t, err)
	s = store.New(ldb)
	defer s.Close()
	require.False(t, s.EnsureSchema(ctx, 3))
	require.Equal(t, map[string]string{"W1": "Bob"}, s.Load(ctx))
	require.False(t, s.LastRefresh(ctx).IsZero())
}
