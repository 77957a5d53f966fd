// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/toluaina/pgsync/pkg/db"
)

// Tree is the validated, reflection-backed form of a Sync's node document.
// Nodes live in a flat arena indexed by ID; children reference their
// parent by ID rather than holding a pointer back, so the tree can be
// walked, copied and cached without worrying about reference cycles.
type Tree struct {
	Catalog *Catalog
	Nodes   []*TreeNode
	RootID  int
}

// TreeNode is one reflected, join-planned placement of a table in the
// tree. The zero value of ParentID for the root is -1.
type TreeNode struct {
	ID       int
	ParentID int
	ChildIDs []int

	Table *Table
	Doc   *Node
	Label string

	Relationship *Relationship
	JoinPlan     *JoinPlan
	Projection   []Projection
}

// JoinPlan is the ordered chain of joins connecting a node to its parent,
// one JoinStep per edge: the parent table itself, each through_table in
// order, and finally the node's own table.
type JoinPlan struct {
	Steps []JoinStep
}

// JoinStep is a single join edge resolved from a foreign key (or an
// explicit override), expressed as the column lists to equate in the
// generated SQL's ON clause: left.LeftColumns[i] = right.RightColumns[i].
type JoinStep struct {
	LeftSchema, LeftTable   string
	LeftColumns             []string
	RightSchema, RightTable string
	RightColumns            []string
}

// Projection is one output column of a node: a (possibly JSON-path)
// column expression and the key it is rendered under in the document.
type Projection struct {
	Expr      ColumnExpr
	OutputKey string
}

// Root returns the tree's root node.
func (t *Tree) Root() *TreeNode {
	return t.Nodes[t.RootID]
}

// Node looks up a node by ID.
func (t *Tree) Node(id int) *TreeNode {
	return t.Nodes[id]
}

// Children returns the direct children of a node, in document order.
func (t *Tree) Children(id int) []*TreeNode {
	node := t.Nodes[id]
	children := make([]*TreeNode, len(node.ChildIDs))
	for i, cid := range node.ChildIDs {
		children[i] = t.Nodes[cid]
	}
	return children
}

// Tables returns every distinct table the tree touches (node tables and
// any through_tables on the join path to them), for callers that install
// change-capture artifacts on each one.
func (t *Tree) Tables() []*Table {
	seen := map[string]bool{}
	var tables []*Table
	add := func(schemaName, name string) {
		sig := schemaName + "." + name
		if seen[sig] {
			return
		}
		seen[sig] = true
		if table := t.Catalog.GetTable(schemaName, name); table != nil {
			tables = append(tables, table)
		}
	}
	for _, node := range t.Nodes {
		add(node.Table.Schema, node.Table.Name)
		if node.JoinPlan != nil {
			for _, step := range node.JoinPlan.Steps {
				add(step.LeftSchema, step.LeftTable)
				add(step.RightSchema, step.RightTable)
			}
		}
	}
	return tables
}

// BuildTree reflects every table named in sync.Nodes, validates the
// relationships and through_tables chains against the live catalog, and
// returns the resulting Tree. Reflection happens lazily per table: a
// table referenced by more than one node (including as a through_table)
// is only queried once.
func BuildTree(ctx context.Context, conn db.DB, sync *Sync) (*Tree, error) {
	tree := &Tree{Catalog: NewCatalog()}
	rootID, err := tree.addNode(ctx, conn, sync.Nodes, -1, nil, nil)
	if err != nil {
		return nil, err
	}
	tree.RootID = rootID
	return tree, nil
}

func (t *Tree) addNode(ctx context.Context, conn db.DB, doc *Node, parentID int, parentTable *Table, path []string) (int, error) {
	schemaName := doc.EffectiveSchema()
	qualified := schemaName + "." + doc.Table

	for _, p := range path {
		if p == qualified {
			return 0, CycleDetectedError{Table: qualified}
		}
	}
	nextPath := append(append([]string{}, path...), qualified)

	table, err := Reflect(ctx, conn, t.Catalog, schemaName, doc.Table)
	if err != nil {
		return 0, err
	}
	doc.PrimaryKey = table.PrimaryKey

	node := &TreeNode{
		ID:       len(t.Nodes),
		ParentID: parentID,
		Table:    table,
		Doc:      doc,
		Label:    doc.EffectiveLabel(),
	}

	if parentID >= 0 {
		rel := doc.Relationship
		if rel == nil || rel.Variant == "" || rel.Type == "" {
			return 0, MissingRelationshipError{Table: doc.Table, Label: node.Label}
		}
		steps, err := buildJoinChain(ctx, conn, t.Catalog, parentTable, table, rel)
		if err != nil {
			return 0, err
		}
		node.JoinPlan = &JoinPlan{Steps: steps}
		node.Relationship = rel
	}

	projs, err := computeProjection(table, doc.Columns)
	if err != nil {
		return 0, err
	}
	node.Projection = projs

	t.Nodes = append(t.Nodes, node)
	id := node.ID
	if parentID >= 0 {
		t.Nodes[parentID].ChildIDs = append(t.Nodes[parentID].ChildIDs, id)
	}

	for _, child := range doc.Children {
		if _, err := t.addNode(ctx, conn, child, id, table, nextPath); err != nil {
			return 0, err
		}
	}

	return id, nil
}

// buildJoinChain resolves the foreign key (or explicit override) linking
// each consecutive pair of tables in parent -> through_tables... -> child,
// reflecting any through_table not already known to the catalog.
func buildJoinChain(ctx context.Context, conn db.DB, cat *Catalog, parentTable, childTable *Table, rel *Relationship) ([]JoinStep, error) {
	chain := []*Table{parentTable}
	seen := map[string]bool{parentTable.QualifiedName(): true}

	for _, raw := range rel.ThroughTables {
		s, tbl := parseQualifiedName(raw)
		table, err := Reflect(ctx, conn, cat, s, tbl)
		if err != nil {
			return nil, err
		}
		if seen[table.QualifiedName()] {
			return nil, CycleDetectedError{Table: table.QualifiedName()}
		}
		seen[table.QualifiedName()] = true
		chain = append(chain, table)
	}
	chain = append(chain, childTable)

	steps := make([]JoinStep, 0, len(chain)-1)
	for i := 0; i < len(chain)-1; i++ {
		from := chain[i]
		to := chain[i+1]

		var override *ForeignKeyOverride
		if i == len(chain)-2 && len(rel.ThroughTables) == 0 {
			override = rel.ForeignKey
		}

		leftCols, rightCols, err := resolveLink(cat, from, to, override)
		if err != nil {
			return nil, err
		}
		steps = append(steps, JoinStep{
			LeftSchema: from.Schema, LeftTable: from.Name, LeftColumns: leftCols,
			RightSchema: to.Schema, RightTable: to.Name, RightColumns: rightCols,
		})
	}

	return steps, nil
}

// resolveLink finds the single foreign key connecting from and to, in
// either direction, and returns the column lists such that
// from.LeftColumns[i] = to.RightColumns[i] in the join's ON clause. An
// explicit override always wins and is taken at face value: its Parent
// columns belong to from, its Child columns belong to to.
func resolveLink(cat *Catalog, from, to *Table, override *ForeignKeyOverride) (leftCols, rightCols []string, err error) {
	if override != nil {
		return override.Parent, override.Child, nil
	}

	fromReferencesTo := cat.ForeignKeysBetween(from.Schema, from.Name, to.Schema, to.Name)
	toReferencesFrom := cat.ForeignKeysBetween(to.Schema, to.Name, from.Schema, from.Name)
	total := len(fromReferencesTo) + len(toReferencesFrom)

	switch {
	case total == 0:
		return nil, nil, UnreachableNodeError{Parent: from.QualifiedName(), Child: to.QualifiedName()}
	case total > 1:
		return nil, nil, AmbiguousForeignKeyError{Parent: from.QualifiedName(), Child: to.QualifiedName()}
	case len(fromReferencesTo) == 1:
		fk := fromReferencesTo[0]
		return fk.Columns, fk.ReferencedColumns, nil
	default:
		fk := toReferencesFrom[0]
		return fk.ReferencedColumns, fk.Columns, nil
	}
}

// computeProjection resolves a node's requested columns (or, if none were
// given, every reflected column in deterministic order) into Projections.
func computeProjection(table *Table, columns []string) ([]Projection, error) {
	if len(columns) == 0 {
		names := make([]string, 0, len(table.Columns))
		for name := range table.Columns {
			names = append(names, name)
		}
		sort.Strings(names)
		columns = names
	}

	projs := make([]Projection, 0, len(columns))
	for _, raw := range columns {
		expr, err := ParseColumnExpr(raw)
		if err != nil {
			return nil, InvalidSchemaError{Err: err}
		}
		if table.GetColumn(expr.Column) == nil {
			return nil, UnknownColumnError{Table: table.QualifiedName(), Column: expr.Column}
		}
		projs = append(projs, Projection{Expr: expr, OutputKey: outputKey(expr)})
	}
	return projs, nil
}

func outputKey(expr ColumnExpr) string {
	if len(expr.Ops) == 0 {
		return expr.Column
	}
	last := expr.Ops[len(expr.Ops)-1]
	switch last.Kind {
	case OpKey:
		return last.Key
	case OpIndex:
		return strconv.Itoa(last.Index)
	case OpPath:
		return last.Path[len(last.Path)-1]
	default:
		return expr.Column
	}
}

// parseQualifiedName splits a "schema.table" reference, defaulting the
// schema to "public" when unqualified.
func parseQualifiedName(s string) (schema, table string) {
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		return s[:idx], s[idx+1:]
	}
	return "public", s
}
