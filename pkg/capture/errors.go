// SPDX-License-Identifier: Apache-2.0

package capture

import "fmt"

// DatabaseConnectionLostError wraps a lost connection to either the
// notification channel or the replication stream. Transient: the
// caller retries with bounded backoff before escalating to fatal.
type DatabaseConnectionLostError struct {
	Err error
}

func (e DatabaseConnectionLostError) Error() string {
	return fmt.Sprintf("database connection lost: %v", e.Err)
}

func (e DatabaseConnectionLostError) Unwrap() error {
	return e.Err
}

// ReplicationSlotGoneError is returned when the configured logical
// replication slot no longer exists (dropped out from under the
// reader, e.g. by a concurrent teardown). Transient in the sense that a
// bootstrap re-run can recreate it, but not recoverable by retrying the
// same connection.
type ReplicationSlotGoneError struct {
	Slot string
	Err  error
}

func (e ReplicationSlotGoneError) Error() string {
	return fmt.Sprintf("replication slot %q is gone: %v", e.Slot, e.Err)
}

func (e ReplicationSlotGoneError) Unwrap() error {
	return e.Err
}
