// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Document is the top-level schema file: a list of Syncs.
type Document struct {
	Syncs []*Sync `json:"syncs"`
}

// Sync binds one source database to one search index.
type Sync struct {
	Database string                 `json:"database"`
	Index    string                 `json:"index,omitempty"`
	Mappings map[string]any         `json:"mappings,omitempty"`
	Settings map[string]any         `json:"settings,omitempty"`
	Plugins  []string               `json:"plugins,omitempty"`
	Nodes    *Node                  `json:"nodes"`
}

// RelationshipVariant controls whether a child renders as an object (its
// full projected shape) or a scalar (its single non-key column value).
type RelationshipVariant string

const (
	VariantObject RelationshipVariant = "object"
	VariantScalar RelationshipVariant = "scalar"
)

// RelationshipType controls whether a child aggregates to a singleton or
// an array.
type RelationshipType string

const (
	OneToOne  RelationshipType = "one_to_one"
	OneToMany RelationshipType = "one_to_many"
)

// ForeignKeyOverride disambiguates the join between a parent and child
// when more than one foreign key connects them.
type ForeignKeyOverride struct {
	Parent []string `json:"parent"`
	Child  []string `json:"child"`
}

// Relationship describes how a non-root node attaches to its parent.
type Relationship struct {
	Variant       RelationshipVariant `json:"variant"`
	Type          RelationshipType    `json:"type"`
	ThroughTables []string            `json:"through_tables,omitempty"`
	ForeignKey    *ForeignKeyOverride `json:"foreign_key,omitempty"`
}

// Transform describes the rename/replace/concat/move/mapping rules
// applied to a node's projected row, in that fixed order.
type Transform struct {
	Rename  map[string]string    `json:"rename,omitempty"`
	Replace map[string][][2]string `json:"replace,omitempty"`
	Concat  []ConcatRule          `json:"concat,omitempty"`
	Move    map[string]string     `json:"move,omitempty"`
	Mapping map[string]string     `json:"mapping,omitempty"`
}

// ConcatRule joins a set of source columns with a delimiter into a new
// destination key.
type ConcatRule struct {
	Columns   []string `json:"columns"`
	Delimiter string   `json:"delimiter"`
	Destination string `json:"destination"`
}

// Node represents one table placement in the document tree.
type Node struct {
	Table   string `json:"table"`
	Schema  string `json:"schema,omitempty"`
	Columns []string `json:"columns,omitempty"`
	Label   string `json:"label,omitempty"`

	Relationship *Relationship `json:"relationship,omitempty"`
	Transform    *Transform    `json:"transform,omitempty"`
	Children     []*Node       `json:"children,omitempty"`

	// PrimaryKey is populated by tree construction from reflection; it is
	// never user-supplied and is not part of the JSON wire format.
	PrimaryKey []string `json:"-"`
}

// EffectiveSchema returns the node's schema, defaulting to "public".
func (n *Node) EffectiveSchema() string {
	if n.Schema == "" {
		return "public"
	}
	return n.Schema
}

// EffectiveLabel returns the node's label, defaulting to its table name.
func (n *Node) EffectiveLabel() string {
	if n.Label == "" {
		return n.Table
	}
	return n.Label
}

// ParseDocument strictly decodes a schema document, rejecting unknown
// keys exactly as pgroll's migrations.ReadRawMigration does for migration
// files, surfacing violations as InvalidSchemaError.
func ParseDocument(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, InvalidSchemaError{Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, InvalidSchemaError{Err: err}
	}
	if err := dec.Decode(new(json.RawMessage)); err != io.EOF {
		return nil, InvalidSchemaError{Err: fmt.Errorf("trailing content after schema document")}
	}

	for _, s := range doc.Syncs {
		if s.Index == "" {
			s.Index = s.Database
		}
		if s.Nodes == nil {
			return nil, InvalidSchemaError{Err: fmt.Errorf("sync %q has no root node", s.Database)}
		}
	}

	return &doc, nil
}
