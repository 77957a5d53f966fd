// SPDX-License-Identifier: Apache-2.0

package transform

import "fmt"

// TransformRuleMissingColumnError is returned when a replace or move rule
// names a column that isn't present in the row being transformed. Concat
// rules never return it: absent inputs are treated as empty strings.
type TransformRuleMissingColumnError struct {
	Column string
	Rule   string
}

func (e TransformRuleMissingColumnError) Error() string {
	return fmt.Sprintf("%s rule references missing column %q", e.Rule, e.Column)
}

// MappingRuleMissingColumnError is returned when a mapping type-hint
// names a column that isn't present in the row.
type MappingRuleMissingColumnError struct {
	Column string
}

func (e MappingRuleMissingColumnError) Error() string {
	return fmt.Sprintf("mapping rule references missing column %q", e.Column)
}
