// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
)

// notificationPayload is the JSON body the installed notify function
// emits on the database's single notification channel.
type notificationPayload struct {
	TgOp   string         `json:"tg_op"`
	Schema string         `json:"schema"`
	Table  string         `json:"table"`
	Old    map[string]any `json:"old,omitempty"`
	New    map[string]any `json:"new,omitempty"`
}

// xminFunc returns the current transaction id, stamped onto every event
// built from a notification (the payload itself carries no xmin, since
// it fires inside the transaction that is still in progress).
type xminFunc func(ctx context.Context) (int64, error)

// NotificationListener wraps a pq.Listener subscribed to one channel,
// decoding each payload into an Event and appending it to queue. It
// blocks indefinitely on channel receive; no timeout applies, per the
// concurrency model.
type NotificationListener struct {
	listener *pq.Listener
	channel  string
	queue    *Queue
	xmin     xminFunc
	logger   Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewNotificationListener dials connStr with fixed reconnect bounds of
// 10ms and one minute (pq.NewListener's minReconnectInterval and
// maxReconnectInterval) and subscribes to channel. logger may be nil.
func NewNotificationListener(connStr, channel string, queue *Queue, xmin xminFunc, logger Logger) (*NotificationListener, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	listener := pq.NewListener(connStr, 10*time.Millisecond, time.Minute, func(ev pq.ListenerEventType, err error) {
		if ev == pq.ListenerEventConnectionAttemptFailed && err != nil {
			logger.Warnf("notification listener: reconnect attempt failed: %v", err)
		}
	})
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("capture: listening on %q: %w", channel, err)
	}
	return &NotificationListener{listener: listener, channel: channel, queue: queue, xmin: xmin, logger: logger}, nil
}

// Start begins appending decoded notifications to the queue until
// ctx is cancelled.
func (n *NotificationListener) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.wg.Add(1)
	go n.run(runCtx)
}

func (n *NotificationListener) run(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case notice, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			if notice == nil {
				// pq sends a nil notification after a reconnect; nothing to
				// decode, keep listening.
				continue
			}
			ev, err := decodeNotification(notice.Extra)
			if err != nil {
				n.logger.Warnf("notification listener: %v", err)
				continue
			}
			xmin, err := n.xmin(ctx)
			if err != nil {
				n.logger.Warnf("notification listener: reading xmin: %v", err)
				continue
			}
			ev.Xmin = xmin
			_ = n.queue.Push(ctx, ev)
		}
	}
}

// Stop closes the underlying listener and waits for the run loop to
// drain once.
func (n *NotificationListener) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	err := n.listener.Close()
	n.wg.Wait()
	return err
}

func decodeNotification(payload string) (Event, error) {
	var p notificationPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return Event{}, fmt.Errorf("capture: decoding notification payload: %w", err)
	}
	return Event{
		TgOp:   TgOp(p.TgOp),
		Schema: p.Schema,
		Table:  p.Table,
		Old:    p.Old,
		New:    p.New,
	}, nil
}
