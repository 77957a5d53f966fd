// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"

	"github.com/toluaina/pgsync/pkg/installer"
	"github.com/toluaina/pgsync/pkg/schema"
)

// Exit codes per spec.md §6: 0 success, 2 InvalidSchema, 3
// InsufficientPrivilege, 1 everything else.
const (
	exitSuccess               = 0
	exitInvalidSchema         = 2
	exitInsufficientPrivilege = 3
	exitFailure               = 1
)

func exitCodeFor(err error) int {
	if err == nil {
		return exitSuccess
	}

	var invalidSchema schema.InvalidSchemaError
	if errors.As(err, &invalidSchema) {
		return exitInvalidSchema
	}
	var unknownTable schema.UnknownTableError
	var unknownColumn schema.UnknownColumnError
	var unknownSchema schema.UnknownSchemaError
	var missingRel schema.MissingRelationshipError
	var ambiguousFK schema.AmbiguousForeignKeyError
	var unreachable schema.UnreachableNodeError
	var cycle schema.CycleDetectedError
	if errors.As(err, &unknownTable) || errors.As(err, &unknownColumn) || errors.As(err, &unknownSchema) ||
		errors.As(err, &missingRel) || errors.As(err, &ambiguousFK) || errors.As(err, &unreachable) || errors.As(err, &cycle) {
		return exitInvalidSchema
	}

	var privilege installer.InsufficientPrivilegeError
	if errors.As(err, &privilege) {
		return exitInsufficientPrivilege
	}

	return exitFailure
}
