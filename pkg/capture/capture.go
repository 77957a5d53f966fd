// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"sync"
	"time"
)

// Config wires up the two ingestion workers for one database.
type Config struct {
	NotifyConnString      string
	ReplicationConnString string
	Channel               string
	SlotName              string
	Publication           string
	PollTimeout           time.Duration
	QueueCapacity         int
	Logger                Logger
	Xmin                  xminFunc
}

// Capture owns the notification listener, the replication reader, and
// the queue both feed. Start launches both workers; Stop closes their
// sources and waits for them to drain once, per the cancellation
// contract: in-flight batches are never force-closed mid-drain.
type Capture struct {
	Queue *Queue

	listener *NotificationListener
	reader   *ReplicationReader
	logger   Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New dials both ingestion surfaces and prepares (but does not start)
// the capture pipeline.
func New(ctx context.Context, cfg Config) (*Capture, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	queue := NewQueue(cfg.QueueCapacity)

	listener, err := NewNotificationListener(cfg.NotifyConnString, cfg.Channel, queue, cfg.Xmin, logger)
	if err != nil {
		return nil, err
	}

	reader, err := DialReplication(ctx, ReplicationConfig{
		ConnString:  cfg.ReplicationConnString,
		SlotName:    cfg.SlotName,
		Publication: cfg.Publication,
		PollTimeout: cfg.PollTimeout,
	})
	if err != nil {
		_ = listener.Stop()
		return nil, err
	}

	return &Capture{Queue: queue, listener: listener, reader: reader, logger: logger}, nil
}

// Start begins both workers. The replication reader runs its poll loop
// in a dedicated goroutine; the notification listener manages its own.
func (c *Capture) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.listener.Start(runCtx)

	c.wg.Add(1)
	go c.runReplication(runCtx)
}

func (c *Capture) runReplication(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := c.reader.Poll(ctx, c.Queue); err != nil {
			c.logger.Warnf("replication reader: %v", err)
		}
	}
}

// Stop signals both workers to close their sources and drain once, then
// waits for them to exit.
func (c *Capture) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	listenerErr := c.listener.Stop()
	c.wg.Wait()
	readerErr := c.reader.Close(ctx)
	if listenerErr != nil {
		return listenerErr
	}
	return readerErr
}
