// SPDX-License-Identifier: Apache-2.0

// Package synth turns a validated schema.Tree into the SQL that produces
// one denormalized JSON document per pivot row.
package synth

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/toluaina/pgsync/pkg/schema"
)

// Filter selects which pivot rows a query produces documents for.
type Filter interface {
	isFilter()
}

// FullSync selects every pivot row, optionally restricted to rows whose
// xmin falls in (TxMin, TxMax]. A nil bound is unrestricted on that side.
type FullSync struct {
	TxMin *int64
	TxMax *int64
}

func (FullSync) isFilter() {}

// PointedSync selects pivot rows by primary key. Keys holds one entry per
// row, each the ordered list of primary-key column values for that row
// (length must equal len(tree.Root().Table.PrimaryKey)). The Synthesizer
// chunks Keys into groups of at most chunkSize when building queries, to
// avoid oversized IN-lists.
type PointedSync struct {
	Keys [][]any
}

func (PointedSync) isFilter() {}

// TupleIDPage selects a physically contiguous slice of the pivot table by
// ctid, for parallel backfill. Page/Row is the starting tuple id
// (inclusive); Limit bounds how many rows the page returns.
type TupleIDPage struct {
	Page  int64
	Row   int64
	Limit int
}

func (TupleIDPage) isFilter() {}

// Synthesizer compiles a schema.Tree into document-producing SQL.
type Synthesizer struct {
	Tree      *schema.Tree
	ChunkSize int // FILTER_CHUNK_SIZE: max keys per pointed-sync query
}

// New returns a Synthesizer for tree, chunking pointed-sync key lists at
// chunkSize (a value <= 0 is treated as "no chunking").
func New(tree *schema.Tree, chunkSize int) *Synthesizer {
	return &Synthesizer{Tree: tree, ChunkSize: chunkSize}
}

// BuildQueries compiles filter into one or more standalone SQL
// statements with their positional arguments. FullSync and TupleIDPage
// always yield exactly one statement; PointedSync yields one statement
// per ChunkSize-sized slice of Keys (at least one, even for an empty
// slice, so callers can still observe "no rows").
func (s *Synthesizer) BuildQueries(filter Filter) ([]Query, error) {
	root := s.Tree.Root()

	switch f := filter.(type) {
	case FullSync:
		return []Query{s.buildQuery(root, fullSyncPredicate(root, f))}, nil

	case TupleIDPage:
		return []Query{s.buildQuery(root, tupleIDPredicate(root, f))}, nil

	case PointedSync:
		chunks := chunkKeys(f.Keys, s.ChunkSize)
		if len(chunks) == 0 {
			chunks = [][][]any{nil}
		}
		queries := make([]Query, 0, len(chunks))
		for _, chunk := range chunks {
			pred, err := pointedSyncPredicate(root, chunk)
			if err != nil {
				return nil, err
			}
			queries = append(queries, s.buildQuery(root, pred))
		}
		return queries, nil

	default:
		return nil, fmt.Errorf("synth: unsupported filter type %T", filter)
	}
}

// Query is one standalone, ready-to-execute SQL statement.
type Query struct {
	SQL  string
	Args []any
	// PKColumns are the output column names (in SELECT order) holding the
	// pivot primary key; Document is the output column holding the JSON
	// document.
	PKColumns []string
	Document  string
}

type predicate struct {
	clause  string
	args    []any
	limit   int
	orderBy string // replaces the primary-key ORDER BY when set
}

func (s *Synthesizer) buildQuery(root *schema.TreeNode, pred predicate) Query {
	alias := nodeAlias(root.ID)
	pkCols := make([]string, len(root.Table.PrimaryKey))
	selectCols := make([]string, len(root.Table.PrimaryKey))
	for i, col := range root.Table.PrimaryKey {
		pkCols[i] = fmt.Sprintf("pk_%d", i)
		selectCols[i] = fmt.Sprintf("%s.%s AS %s", alias, pq.QuoteIdentifier(col), pq.QuoteIdentifier(pkCols[i]))
	}

	object := buildObjectExpr(s.Tree, root, alias)

	var b strings.Builder
	b.WriteString("SELECT ")
	if len(selectCols) > 0 {
		b.WriteString(strings.Join(selectCols, ", "))
		b.WriteString(", ")
	}
	fmt.Fprintf(&b, "%s AS document\n", object)
	fmt.Fprintf(&b, "FROM %s AS %s\n", qualifiedName(root.Table.Schema, root.Table.Name), alias)
	if pred.clause != "" {
		fmt.Fprintf(&b, "WHERE %s\n", pred.clause)
	}
	orderBy := commaQualify(alias, root.Table.PrimaryKey)
	if pred.orderBy != "" {
		orderBy = pred.orderBy
	}
	fmt.Fprintf(&b, "ORDER BY %s\n", orderBy)
	if pred.limit > 0 {
		fmt.Fprintf(&b, "LIMIT %d\n", pred.limit)
	}

	return Query{SQL: b.String(), Args: pred.args, PKColumns: pkCols, Document: "document"}
}

// buildObjectExpr renders node's projected columns plus every child's
// nested value expression into a single json_build_object call.
func buildObjectExpr(tree *schema.Tree, node *schema.TreeNode, alias string) string {
	args := make([]string, 0, 2*(len(node.Projection)+len(node.ChildIDs)))
	for _, p := range node.Projection {
		args = append(args, quoteStringLit(p.OutputKey), p.Expr.SQL(fmt.Sprintf("%s.%s", alias, pq.QuoteIdentifier(p.Expr.Column))))
	}
	for _, child := range tree.Children(node.ID) {
		args = append(args, quoteStringLit(child.Label), buildChildValueExpr(tree, node, child, alias))
	}
	return fmt.Sprintf("json_build_object(%s)", strings.Join(args, ", "))
}

// buildChildValueExpr renders the correlated subquery that produces a
// child node's value (object or scalar, singleton or array) within its
// parent's json_build_object call.
func buildChildValueExpr(tree *schema.Tree, parent, child *schema.TreeNode, parentAlias string) string {
	childAlias := nodeAlias(child.ID)
	from, joins, where := buildJoinSource(child.JoinPlan.Steps, childAlias, parentAlias)

	var inner string
	if child.Relationship.Variant == schema.VariantScalar {
		col, err := scalarColumn(child)
		if err != nil {
			// Column selection is validated at tree build time; reaching
			// here means the tree was built without going through
			// schema.BuildTree's invariants. Surface a clearly-broken
			// document value rather than panicking mid-query-build.
			return "NULL::json"
		}
		inner = fmt.Sprintf("%s.%s", childAlias, pq.QuoteIdentifier(col.Expr.Column))
	} else {
		inner = buildObjectExpr(tree, child, childAlias)
	}

	switch child.Relationship.Type {
	case schema.OneToOne:
		return fmt.Sprintf("(SELECT %s FROM %s%s WHERE %s LIMIT 1)", inner, from, joins, where)
	default: // OneToMany
		agg := fmt.Sprintf("json_agg(%s)", inner)
		return fmt.Sprintf("COALESCE((SELECT %s FROM %s%s WHERE %s), '[]'::json)", agg, from, joins, where)
	}
}

// buildJoinSource renders a child node's join chain as a FROM clause
// (the child table itself), zero or more JOINs through intermediate
// tables, and a correlation predicate tying the innermost through-table
// (or the child itself, with no through_tables) back to the parent alias.
func buildJoinSource(steps []schema.JoinStep, childAlias, parentAlias string) (from, joins, where string) {
	last := steps[len(steps)-1]
	from = fmt.Sprintf("%s AS %s", qualifiedName(last.RightSchema, last.RightTable), childAlias)

	// throughAlias[i] names the alias of chain position i (0 = parent,
	// len(steps) = child); positions 1..len(steps)-1 are through_tables.
	throughAlias := make([]string, len(steps)+1)
	throughAlias[len(steps)] = childAlias
	for i := len(steps) - 1; i >= 1; i-- {
		throughAlias[i] = fmt.Sprintf("%s_t%d", childAlias, i)
	}
	throughAlias[0] = parentAlias

	var joinClauses []string
	for i := len(steps) - 1; i >= 1; i-- {
		step := steps[i]
		joinClauses = append(joinClauses, fmt.Sprintf("JOIN %s AS %s ON %s",
			qualifiedName(step.LeftSchema, step.LeftTable), throughAlias[i],
			equalColumns(throughAlias[i+1], step.RightColumns, throughAlias[i], step.LeftColumns)))
	}
	if len(joinClauses) > 0 {
		joins = "\n" + strings.Join(joinClauses, "\n")
	}

	first := steps[0]
	where = equalColumns(throughAlias[1], first.RightColumns, parentAlias, first.LeftColumns)
	return from, joins, where
}

func equalColumns(leftAlias string, leftCols []string, rightAlias string, rightCols []string) string {
	parts := make([]string, len(leftCols))
	for i := range leftCols {
		parts[i] = fmt.Sprintf("%s.%s = %s.%s", leftAlias, pq.QuoteIdentifier(leftCols[i]), rightAlias, pq.QuoteIdentifier(rightCols[i]))
	}
	return strings.Join(parts, " AND ")
}

// scalarColumn returns the first projected column on node that is not
// part of its primary key, the "sole non-key column" spec.md requires
// for variant=scalar relationships.
func scalarColumn(node *schema.TreeNode) (schema.Projection, error) {
	pk := make(map[string]bool, len(node.Table.PrimaryKey))
	for _, c := range node.Table.PrimaryKey {
		pk[c] = true
	}
	for _, p := range node.Projection {
		if !p.Expr.HasOps() && pk[p.Expr.Column] {
			continue
		}
		return p, nil
	}
	return schema.Projection{}, fmt.Errorf("node %q: scalar relationship has no non-key column to project", node.Label)
}

func fullSyncPredicate(root *schema.TreeNode, f FullSync) predicate {
	alias := nodeAlias(root.ID)
	var clauses []string
	var args []any
	if f.TxMin != nil {
		args = append(args, *f.TxMin)
		clauses = append(clauses, fmt.Sprintf("%s.xmin::text::bigint > $%d", alias, len(args)))
	}
	if f.TxMax != nil {
		args = append(args, *f.TxMax)
		clauses = append(clauses, fmt.Sprintf("%s.xmin::text::bigint <= $%d", alias, len(args)))
	}
	return predicate{clause: strings.Join(clauses, " AND "), args: args}
}

// tupleIDPredicate bounds the pivot alias to ctid >= the page's starting
// tuple id and orders by ctid; the LIMIT that buildQuery appends bounds
// the page itself.
func tupleIDPredicate(root *schema.TreeNode, f TupleIDPage) predicate {
	alias := nodeAlias(root.ID)
	return predicate{clause: fmt.Sprintf("%s.ctid >= '(%d,%d)'::tid", alias, f.Page, f.Row), limit: f.Limit, orderBy: alias + ".ctid"}
}

func pointedSyncPredicate(root *schema.TreeNode, keys [][]any) (predicate, error) {
	alias := nodeAlias(root.ID)
	pk := root.Table.PrimaryKey
	if len(pk) == 0 {
		return predicate{}, fmt.Errorf("pivot table %q has no primary key", root.Table.QualifiedName())
	}
	if len(keys) == 0 {
		return predicate{clause: "false"}, nil
	}

	cols := commaQualify(alias, pk)
	var tuples []string
	var args []any
	for _, key := range keys {
		if len(key) != len(pk) {
			return predicate{}, fmt.Errorf("pointed sync key has %d values, want %d", len(key), len(pk))
		}
		placeholders := make([]string, len(key))
		for i, v := range key {
			args = append(args, v)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		tuples = append(tuples, fmt.Sprintf("(%s)", strings.Join(placeholders, ", ")))
	}

	clause := fmt.Sprintf("(%s) IN (%s)", cols, strings.Join(tuples, ", "))
	return predicate{clause: clause, args: args}, nil
}

// chunkKeys splits keys into groups of at most size entries. size <= 0
// means "one chunk".
func chunkKeys(keys [][]any, size int) [][][]any {
	if size <= 0 || len(keys) <= size {
		if len(keys) == 0 {
			return nil
		}
		return [][][]any{keys}
	}
	var chunks [][][]any
	for i := 0; i < len(keys); i += size {
		end := i + size
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[i:end])
	}
	return chunks
}

func nodeAlias(id int) string {
	return fmt.Sprintf("n%d", id)
}

func qualifiedName(schemaName, table string) string {
	return fmt.Sprintf("%s.%s", pq.QuoteIdentifier(schemaName), pq.QuoteIdentifier(table))
}

func commaQualify(alias string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s.%s", alias, pq.QuoteIdentifier(c))
	}
	return strings.Join(parts, ", ")
}

func quoteStringLit(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
