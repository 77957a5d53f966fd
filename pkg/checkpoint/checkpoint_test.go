// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	values map[string]int64
	saves  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: map[string]int64{}}
}

func (f *fakeStore) Load(_ context.Context, database, index string) (int64, bool, error) {
	v, ok := f.values[Key(database, index)]
	return v, ok, nil
}

func (f *fakeStore) Save(_ context.Context, database, index string, txmin int64) error {
	f.values[Key(database, index)] = txmin
	f.saves++
	return nil
}

func TestKey(t *testing.T) {
	assert.Equal(t, "shop_shop_index", Key("Shop", "Shop-Index"))
}

func TestNewTracker_NoExistingCheckpoint(t *testing.T) {
	tr, err := NewTracker(context.Background(), newFakeStore(), "shop", "shop")
	require.NoError(t, err)
	assert.Equal(t, int64(0), tr.TxminCommitted())
}

func TestNewTracker_LoadsExisting(t *testing.T) {
	store := newFakeStore()
	store.values[Key("shop", "shop")] = 42
	tr, err := NewTracker(context.Background(), store, "shop", "shop")
	require.NoError(t, err)
	assert.Equal(t, int64(42), tr.TxminCommitted())
}

func TestTracker_Advance_Monotonic(t *testing.T) {
	store := newFakeStore()
	tr, err := NewTracker(context.Background(), store, "shop", "shop")
	require.NoError(t, err)

	require.NoError(t, tr.Advance(context.Background(), 10))
	assert.Equal(t, int64(10), tr.TxminCommitted())
	assert.Equal(t, 1, store.saves)

	// A smaller or equal value must never move the checkpoint backwards,
	// and must not even touch the store.
	require.NoError(t, tr.Advance(context.Background(), 5))
	assert.Equal(t, int64(10), tr.TxminCommitted())
	assert.Equal(t, 1, store.saves)

	require.NoError(t, tr.Advance(context.Background(), 10))
	assert.Equal(t, int64(10), tr.TxminCommitted())
	assert.Equal(t, 1, store.saves)

	require.NoError(t, tr.Advance(context.Background(), 25))
	assert.Equal(t, int64(25), tr.TxminCommitted())
	assert.Equal(t, 2, store.saves)
}

func TestFileStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	_, found, err := store.Load(context.Background(), "shop", "shop")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Save(context.Background(), "shop", "shop", 99))

	txmin, found, err := store.Load(context.Background(), "shop", "shop")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(99), txmin)
}

func TestFileStore_SaveOverwrites(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	require.NoError(t, store.Save(context.Background(), "shop", "shop", 1))
	require.NoError(t, store.Save(context.Background(), "shop", "shop", 2))

	txmin, found, err := store.Load(context.Background(), "shop", "shop")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(2), txmin)
}

type fakeCheckpointBroker struct {
	values map[string]int64
}

func (f *fakeCheckpointBroker) SaveCheckpoint(_ context.Context, key string, txmin int64) error {
	if f.values == nil {
		f.values = map[string]int64{}
	}
	f.values[key] = txmin
	return nil
}

func (f *fakeCheckpointBroker) LoadCheckpoint(_ context.Context, key string) (int64, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}

func TestBrokerStore_RoundTrip(t *testing.T) {
	broker := &fakeCheckpointBroker{}
	store := NewBrokerStore(broker)

	require.NoError(t, store.Save(context.Background(), "shop", "shop", 7))
	txmin, found, err := store.Load(context.Background(), "shop", "shop")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(7), txmin)
}
