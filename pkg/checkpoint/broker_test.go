// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	saved   map[string]int64
	loadErr error
	saveErr error
}

func (f *fakeBroker) LoadCheckpoint(ctx context.Context, key string) (int64, bool, error) {
	if f.loadErr != nil {
		return 0, false, f.loadErr
	}
	txmin, ok := f.saved[key]
	return txmin, ok, nil
}

func (f *fakeBroker) SaveCheckpoint(ctx context.Context, key string, txmin int64) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	if f.saved == nil {
		f.saved = map[string]int64{}
	}
	f.saved[key] = txmin
	return nil
}

func TestBrokerStore_SaveThenLoad(t *testing.T) {
	broker := &fakeBroker{}
	store := NewBrokerStore(broker)

	require.NoError(t, store.Save(context.Background(), "shop", "products", 42))

	txmin, found, err := store.Load(context.Background(), "shop", "products")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(42), txmin)
}

func TestBrokerStore_Load_NotFound(t *testing.T) {
	store := NewBrokerStore(&fakeBroker{})
	_, found, err := store.Load(context.Background(), "shop", "products")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBrokerStore_Load_WrapsBrokerError(t *testing.T) {
	store := NewBrokerStore(&fakeBroker{loadErr: errors.New("conn refused")})
	_, _, err := store.Load(context.Background(), "shop", "products")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conn refused")
}

func TestBrokerStore_Save_WrapsBrokerError(t *testing.T) {
	store := NewBrokerStore(&fakeBroker{saveErr: errors.New("write failed")})
	err := store.Save(context.Background(), "shop", "products", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write failed")
}
