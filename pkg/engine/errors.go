// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/toluaina/pgsync/pkg/installer"
	"github.com/toluaina/pgsync/pkg/schema"
)

// BatchQuarantinedError reports that a batch was skipped after a fatal
// (non-retryable) indexer failure: the checkpoint is not advanced for
// it, so a future full or pointed sync will pick the same pivot rows up
// again, but the engine keeps running.
type BatchQuarantinedError struct {
	Err error
}

func (e BatchQuarantinedError) Error() string {
	return fmt.Sprintf("engine: batch quarantined: %v", e.Err)
}

func (e BatchQuarantinedError) Unwrap() error {
	return e.Err
}

// isHaltingError reports whether err is a configuration or privilege
// kind (spec.md §7): these are the only kinds that stop the engine; every
// other kind is logged and the loop continues with the checkpoint held
// back for the affected batch.
func isHaltingError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var invalidSchema schema.InvalidSchemaError
	var unknownTable schema.UnknownTableError
	var unknownColumn schema.UnknownColumnError
	var unknownSchema schema.UnknownSchemaError
	var missingRel schema.MissingRelationshipError
	var ambiguousFK schema.AmbiguousForeignKeyError
	var unreachable schema.UnreachableNodeError
	var cycle schema.CycleDetectedError
	var privilege installer.InsufficientPrivilegeError

	return errors.As(err, &invalidSchema) ||
		errors.As(err, &unknownTable) ||
		errors.As(err, &unknownColumn) ||
		errors.As(err, &unknownSchema) ||
		errors.As(err, &missingRel) ||
		errors.As(err, &ambiguousFK) ||
		errors.As(err, &unreachable) ||
		errors.As(err, &cycle) ||
		errors.As(err, &privilege)
}
