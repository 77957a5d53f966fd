// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/toluaina/pgsync/pkg/schema"
	"github.com/toluaina/pgsync/pkg/transform"
)

// ApplyTransforms runs every node's rename/replace/concat/move/mapping
// rules (spec.md §4.6) over a synthesizer-produced document, honoring
// move rules that relocate a value into another node's namespace
// addressed by a "$root.a.b" label path resolved against the document
// itself.
func ApplyTransforms(tree *schema.Tree, raw json.RawMessage) (json.RawMessage, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("engine: decoding document: %w", err)
	}

	mover := &documentMover{root: doc}
	if err := applyNode(tree, tree.Root(), doc, mover); err != nil {
		return nil, err
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("engine: encoding document: %w", err)
	}
	return out, nil
}

// applyNode transforms node's own rendered fields in place and recurses
// into each object-variant child's nested value.
func applyNode(tree *schema.Tree, node *schema.TreeNode, object map[string]any, mover *documentMover) error {
	before := make([]string, 0, len(object))
	for k := range object {
		before = append(before, k)
	}
	out, err := transform.Apply(object, rulesFor(node), mover)
	if err != nil {
		return fmt.Errorf("engine: transforming node %q: %w", node.Label, err)
	}
	// Only the keys present before Apply are cleared, so a value the mover
	// wrote into this same object (a root-level move) survives.
	for _, k := range before {
		delete(object, k)
	}
	for k, v := range out {
		object[k] = v
	}

	for _, child := range tree.Children(node.ID) {
		if child.Relationship == nil || child.Relationship.Variant != schema.VariantObject {
			continue
		}
		switch v := object[child.Label].(type) {
		case map[string]any:
			if err := applyNode(tree, child, v, mover); err != nil {
				return err
			}
		case []any:
			for _, item := range v {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if err := applyNode(tree, child, m, mover); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// rulesFor translates a node's declared schema.Transform into
// transform.Rules. A node built without a backing Doc (hand-built test
// fixtures, or nodes with no transform block) gets the zero value, a
// pure pass-through.
func rulesFor(node *schema.TreeNode) transform.Rules {
	if node.Doc == nil || node.Doc.Transform == nil {
		return transform.Rules{}
	}
	t := node.Doc.Transform
	rules := transform.Rules{Rename: t.Rename, Move: t.Move, Mapping: t.Mapping}

	if len(t.Replace) > 0 {
		rules.Replace = make(map[string][]transform.ReplaceRule, len(t.Replace))
		for col, pairs := range t.Replace {
			rs := make([]transform.ReplaceRule, len(pairs))
			for i, p := range pairs {
				rs[i] = transform.ReplaceRule{Old: p[0], New: p[1]}
			}
			rules.Replace[col] = rs
		}
	}
	for _, c := range t.Concat {
		rules.Concat = append(rules.Concat, transform.ConcatRule{Keys: c.Columns, Delimiter: c.Delimiter, Destination: c.Destination})
	}
	return rules
}

// documentMover implements transform.Mover against the document being
// built, resolving "$root.a.b" paths by walking (and creating, as
// needed) nested objects from the document root.
type documentMover struct {
	root map[string]any
}

func (m *documentMover) Move(path string, value any) error {
	segments, err := parseMovePath(path)
	if err != nil {
		return err
	}

	cur := m.root
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return nil
		}
		next, ok := cur[seg]
		if !ok {
			nested := map[string]any{}
			cur[seg] = nested
			cur = nested
			continue
		}
		nested, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("engine: move destination %q: %q is not an object", path, seg)
		}
		cur = nested
	}
	return nil
}

func parseMovePath(path string) ([]string, error) {
	const prefix = "$root."
	if !strings.HasPrefix(path, prefix) {
		return nil, fmt.Errorf("engine: move destination %q must start with %q", path, prefix)
	}
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return nil, fmt.Errorf("engine: move destination %q names no path", path)
	}
	return strings.Split(rest, "."), nil
}
