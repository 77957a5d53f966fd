// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"fmt"
)

// CheckpointBroker is the slice of pkg/broker.Broker that BrokerStore
// needs. Declaring it here rather than importing pkg/broker keeps
// checkpoint storage-agnostic; any broker implementation satisfies this
// by structural typing.
type CheckpointBroker interface {
	SaveCheckpoint(ctx context.Context, key string, txmin int64) error
	LoadCheckpoint(ctx context.Context, key string) (txmin int64, found bool, err error)
}

// BrokerStore persists checkpoints in the broker (REDIS_CHECKPOINT=true)
// instead of the filesystem, for deployments where multiple engine
// processes or parallel-sync workers need a shared checkpoint.
type BrokerStore struct {
	Broker CheckpointBroker
}

func NewBrokerStore(broker CheckpointBroker) *BrokerStore {
	return &BrokerStore{Broker: broker}
}

func (b *BrokerStore) Load(ctx context.Context, database, index string) (int64, bool, error) {
	txmin, found, err := b.Broker.LoadCheckpoint(ctx, Key(database, index))
	if err != nil {
		return 0, false, fmt.Errorf("checkpoint: broker load %s: %w", Key(database, index), err)
	}
	return txmin, found, nil
}

func (b *BrokerStore) Save(ctx context.Context, database, index string, txmin int64) error {
	if err := b.Broker.SaveCheckpoint(ctx, Key(database, index), txmin); err != nil {
		return fmt.Errorf("checkpoint: broker save %s: %w", Key(database, index), err)
	}
	return nil
}
