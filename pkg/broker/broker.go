// SPDX-License-Identifier: Apache-2.0

// Package broker provides the Redis-backed queue/checkpoint collaborator.
// Within this module only its checkpoint half is used, by the sync
// command when REDIS_CHECKPOINT=true; Enqueue and Dequeue have no caller
// here.
package broker

import "context"

// Broker is the external collaborator spec'd as a batched queue plus a
// checkpoint key/value store. Enqueue/Dequeue move raw encoded change
// events; SaveCheckpoint/LoadCheckpoint persist txmin_committed under a
// caller-supplied key (see checkpoint.Key).
type Broker interface {
	Enqueue(ctx context.Context, queue string, items [][]byte) error
	Dequeue(ctx context.Context, queue string, max int) ([][]byte, error)
	SaveCheckpoint(ctx context.Context, key string, txmin int64) error
	LoadCheckpoint(ctx context.Context, key string) (txmin int64, found bool, err error)
	Close() error
}
