// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCmdable is the slice of *redis.Client used by RedisBroker,
// narrowed so tests can substitute a fake without a live server.
type redisCmdable interface {
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LPopCount(ctx context.Context, key string, count int) *redis.StringSliceCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Config configures a RedisBroker. URL is parsed with redis.ParseURL, in
// the same "redis://[password@]host:port[/db]" form as the rest of the
// pack's Redis clients.
type Config struct {
	URL            string
	SocketTimeout  time.Duration
	ReadChunkSize  int
	WriteChunkSize int
}

const (
	defaultReadChunkSize  = 1000
	defaultWriteChunkSize = 1000
)

// RedisBroker implements Broker over a Redis-compatible list (the
// queue) and string keys (the checkpoint).
type RedisBroker struct {
	client         redisCmdable
	readChunkSize  int
	writeChunkSize int
}

// NewRedisBroker parses cfg.URL, dials, and verifies connectivity with a
// Ping before returning.
func NewRedisBroker(ctx context.Context, cfg Config) (*RedisBroker, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("broker: parsing redis url: %w", err)
	}
	if cfg.SocketTimeout > 0 {
		opts.ReadTimeout = cfg.SocketTimeout
		opts.WriteTimeout = cfg.SocketTimeout
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, UnavailableError{Op: "connect", Err: err}
	}
	return newRedisBroker(client, cfg), nil
}

func newRedisBroker(client redisCmdable, cfg Config) *RedisBroker {
	readChunk := cfg.ReadChunkSize
	if readChunk <= 0 {
		readChunk = defaultReadChunkSize
	}
	writeChunk := cfg.WriteChunkSize
	if writeChunk <= 0 {
		writeChunk = defaultWriteChunkSize
	}
	return &RedisBroker{client: client, readChunkSize: readChunk, writeChunkSize: writeChunk}
}

// Enqueue RPUSHes items onto queue in chunks of WriteChunkSize, so a
// large batch never becomes one oversized Redis command.
func (r *RedisBroker) Enqueue(ctx context.Context, queue string, items [][]byte) error {
	for _, chunk := range chunkBytes(items, r.writeChunkSize) {
		args := make([]any, len(chunk))
		for i, item := range chunk {
			args[i] = item
		}
		if err := r.client.RPush(ctx, queue, args...).Err(); err != nil {
			return UnavailableError{Op: "enqueue", Err: err}
		}
	}
	return nil
}

// Dequeue pops up to max items (capped at ReadChunkSize per call) from
// the head of queue. An empty queue yields a nil slice and a nil error.
func (r *RedisBroker) Dequeue(ctx context.Context, queue string, max int) ([][]byte, error) {
	if max <= 0 || max > r.readChunkSize {
		max = r.readChunkSize
	}
	values, err := r.client.LPopCount(ctx, queue, max).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, UnavailableError{Op: "dequeue", Err: err}
	}
	items := make([][]byte, len(values))
	for i, v := range values {
		items[i] = []byte(v)
	}
	return items, nil
}

func (r *RedisBroker) SaveCheckpoint(ctx context.Context, key string, txmin int64) error {
	if err := r.client.Set(ctx, checkpointKey(key), strconv.FormatInt(txmin, 10), 0).Err(); err != nil {
		return UnavailableError{Op: "save checkpoint", Err: err}
	}
	return nil
}

func (r *RedisBroker) LoadCheckpoint(ctx context.Context, key string) (int64, bool, error) {
	val, err := r.client.Get(ctx, checkpointKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, UnavailableError{Op: "load checkpoint", Err: err}
	}
	txmin, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("broker: parsing checkpoint %q: %w", key, err)
	}
	return txmin, true, nil
}

func (r *RedisBroker) Close() error {
	return r.client.Close()
}

func checkpointKey(key string) string {
	return "pgsync:checkpoint:" + key
}

func chunkBytes(items [][]byte, size int) [][][]byte {
	if size <= 0 {
		size = len(items)
	}
	if len(items) == 0 {
		return nil
	}
	var chunks [][][]byte
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}
