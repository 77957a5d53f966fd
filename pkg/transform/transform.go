// SPDX-License-Identifier: Apache-2.0

// Package transform applies a node's rename/replace/concat/move/mapping
// rules to its projected row before the document is emitted.
package transform

import (
	"fmt"
	"strings"
)

// ReplaceRule is one substring substitution applied to a string column
// value.
type ReplaceRule struct {
	Old string
	New string
}

// ConcatRule joins a set of source keys with a delimiter into a new
// destination key. Absent inputs are treated as empty strings.
type ConcatRule struct {
	Keys        []string
	Delimiter   string
	Destination string
}

// Rules is the fixed-order transform pipeline for one node: rename,
// replace, concat, move, mapping. Move entries are resolved by the
// caller (see Mover) since they relocate a key into another node's
// namespace in the overall document, not within row itself.
type Rules struct {
	Rename  map[string]string
	Replace map[string][]ReplaceRule
	Concat  []ConcatRule
	Move    map[string]string // key -> "$root.a.b" destination path
	Mapping map[string]string // key -> index type hint, pass-through only
}

// Mover relocates a value produced during Apply into another node's
// namespace, addressed by a "$root.a.b"-style label path resolved
// against the overall document tree.
type Mover interface {
	Move(path string, value any) error
}

// Apply runs row through rules in fixed order: rename, replace, concat,
// move, mapping. row is not mutated; Apply returns a new map. mover may
// be nil, in which case any Move rule is an error (a node-local Apply
// with nowhere to relocate a key).
func Apply(row map[string]any, rules Rules, mover Mover) (map[string]any, error) {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}

	out = applyRename(out, rules.Rename)
	if err := applyReplace(out, rules.Replace); err != nil {
		return nil, err
	}
	applyConcat(out, rules.Concat)

	if err := applyMove(out, rules.Move, mover); err != nil {
		return nil, err
	}

	// mapping is a pass-through type hint for the index, carried on the
	// document's metadata rather than mutating the row; nothing to do to
	// row values here beyond validating referenced keys exist.
	for key := range rules.Mapping {
		if _, ok := out[key]; !ok {
			return nil, MappingRuleMissingColumnError{Column: key}
		}
	}

	return out, nil
}

func applyRename(row map[string]any, rename map[string]string) map[string]any {
	if len(rename) == 0 {
		return row
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		if newKey, ok := rename[k]; ok {
			out[newKey] = v
		} else {
			out[k] = v
		}
	}
	return out
}

func applyReplace(row map[string]any, replace map[string][]ReplaceRule) error {
	for col, rules := range replace {
		val, ok := row[col]
		if !ok {
			return TransformRuleMissingColumnError{Column: col, Rule: "replace"}
		}
		s, ok := val.(string)
		if !ok {
			// numeric or null values pass through untouched.
			continue
		}
		for _, r := range rules {
			s = strings.ReplaceAll(s, r.Old, r.New)
		}
		row[col] = s
	}
	return nil
}

func applyConcat(row map[string]any, rules []ConcatRule) {
	for _, rule := range rules {
		parts := make([]string, len(rule.Keys))
		for i, k := range rule.Keys {
			if v, ok := row[k]; ok && v != nil {
				parts[i] = fmt.Sprint(v)
			}
		}
		row[rule.Destination] = strings.Join(parts, rule.Delimiter)
	}
}

func applyMove(row map[string]any, move map[string]string, mover Mover) error {
	for key, dest := range move {
		val, ok := row[key]
		if !ok {
			return TransformRuleMissingColumnError{Column: key, Rule: "move"}
		}
		if mover == nil {
			return fmt.Errorf("transform: move rule for %q requires a Mover, none provided", key)
		}
		if err := mover.Move(dest, val); err != nil {
			return fmt.Errorf("transform: moving %q to %q: %w", key, dest, err)
		}
		delete(row, key)
	}
	return nil
}
