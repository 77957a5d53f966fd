// SPDX-License-Identifier: Apache-2.0

package indexer

import "fmt"

// RetryableError wraps a whole-request failure (network error, 429,
// 503) the caller should retry with backoff bounded by
// ELASTICSEARCH_MAX_BACKOFF.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return fmt.Sprintf("indexer: retryable: %v", e.Err)
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// FatalError wraps a whole-request failure the caller must not retry
// (any 4xx other than 429). The batch is quarantined and the
// checkpoint is not advanced.
type FatalError struct {
	Err error
}

func (e FatalError) Error() string {
	return fmt.Sprintf("indexer: fatal: %v", e.Err)
}

func (e FatalError) Unwrap() error {
	return e.Err
}
