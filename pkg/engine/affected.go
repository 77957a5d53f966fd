// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/toluaina/pgsync/pkg/db"
	"github.com/toluaina/pgsync/pkg/schema"
)

// ResolvePivotKeys maps a batch of changed rows on (schemaName, table) to
// the root pivot primary keys whose documents the change affects. Each
// row holds whatever columns the change event carried for that table:
// its own primary key plus any foreign key participating in the tree's
// join chain. A table reached through more than one tree position (a
// through_table shared by siblings, or the same table mounted at two
// labels) is resolved once per distinct join path and the results are
// deduplicated.
func ResolvePivotKeys(ctx context.Context, conn db.DB, tree *schema.Tree, schemaName, table string, rows []map[string]any) ([][]any, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	root := tree.Root()
	if root.Table.Schema == schemaName && root.Table.Name == table {
		return rootKeysFromRows(root, rows)
	}

	matches := findMatches(tree, schemaName, table)
	if len(matches) == 0 {
		return nil, nil
	}

	var keys [][]any
	seen := map[string]bool{}
	for _, m := range matches {
		values := filterValues(rows, m.filterColumns)
		if len(values) == 0 {
			continue
		}
		resolved, err := queryAncestorChain(ctx, conn, root, m.chain, values)
		if err != nil {
			return nil, err
		}
		for _, key := range resolved {
			sig := fmt.Sprint(key)
			if !seen[sig] {
				seen[sig] = true
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}

// treeMatch is one place (schemaName, table) sits on the path from root
// to some node: chain is the root-to-table join chain (inclusive of the
// final step landing on table) and filterColumns are the columns on
// table itself to filter the change rows by.
type treeMatch struct {
	chain         []schema.JoinStep
	filterColumns []string
}

// findMatches locates every occurrence of (schemaName, table) in the
// tree, whether as a node's own table or as a through_table on some
// node's join chain to its parent.
func findMatches(tree *schema.Tree, schemaName, table string) []treeMatch {
	var matches []treeMatch
	for _, node := range tree.Nodes {
		if node.ParentID < 0 {
			continue
		}
		full := joinChainToRoot(tree, node)
		for i, step := range full {
			if step.RightSchema == schemaName && step.RightTable == table {
				matches = append(matches, treeMatch{
					chain:         append([]schema.JoinStep{}, full[:i+1]...),
					filterColumns: step.RightColumns,
				})
			}
		}
	}
	return dedupMatches(matches)
}

// joinChainToRoot concatenates each ancestor's own (root-ward) JoinPlan
// into the single ordered chain of steps connecting the tree's root to
// node.
func joinChainToRoot(tree *schema.Tree, node *schema.TreeNode) []schema.JoinStep {
	var segments [][]schema.JoinStep
	for n := node; n.ParentID >= 0; n = tree.Node(n.ParentID) {
		segments = append(segments, n.JoinPlan.Steps)
	}
	var chain []schema.JoinStep
	for i := len(segments) - 1; i >= 0; i-- {
		chain = append(chain, segments[i]...)
	}
	return chain
}

func dedupMatches(in []treeMatch) []treeMatch {
	seen := map[string]bool{}
	var out []treeMatch
	for _, m := range in {
		var b strings.Builder
		for _, s := range m.chain {
			fmt.Fprintf(&b, "%s.%s>%s.%s;", s.LeftSchema, s.LeftTable, s.RightSchema, s.RightTable)
		}
		sig := b.String()
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, m)
	}
	return out
}

func rootKeysFromRows(root *schema.TreeNode, rows []map[string]any) ([][]any, error) {
	keys := make([][]any, 0, len(rows))
	for _, row := range rows {
		key := make([]any, len(root.Table.PrimaryKey))
		for i, col := range root.Table.PrimaryKey {
			v, ok := row[col]
			if !ok {
				return nil, fmt.Errorf("engine: row missing pivot primary key column %q", col)
			}
			key[i] = v
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// filterValues extracts cols from each row, dropping rows that lack any
// of them (an update that didn't touch the join's key columns, or an
// unchanged-TOAST column omitted by the replication decoder).
func filterValues(rows []map[string]any, cols []string) [][]any {
	values := make([][]any, 0, len(rows))
	for _, row := range rows {
		tuple := make([]any, len(cols))
		complete := true
		for i, col := range cols {
			v, ok := row[col]
			if !ok {
				complete = false
				break
			}
			tuple[i] = v
		}
		if complete {
			values = append(values, tuple)
		}
	}
	return values
}

// buildAncestorQuery renders the single SQL statement that resolves root
// pivot keys from the known join-column values of a changed row, walking
// only the chain's ancestor tables (the changed table's own table is
// never read back). chain's last step is the one connecting the changed
// table to its immediate ancestor: values holds, per changed row, that
// step's RightColumns values, which by the join's own equality also hold
// for the ancestor's LeftColumns, so filtering the ancestor on those
// values resolves the same rows a join through the changed table would
// have, without requiring the changed table's row to still exist. This
// is what makes a DELETE resolve correctly: the row is already gone by
// the time this runs.
func buildAncestorQuery(root *schema.TreeNode, chain []schema.JoinStep, values [][]any) (string, []any) {
	last := chain[len(chain)-1]
	ancestors := chain[:len(chain)-1]

	// aliases[0] is root; aliases[i] is the table at chain position i
	// (ancestors[i-1].RightTable == ancestors[i].LeftTable);
	// aliases[len(ancestors)] is last.LeftTable, the nearest surviving
	// ancestor of the changed table.
	aliases := make([]string, len(ancestors)+1)
	for i := range aliases {
		aliases[i] = fmt.Sprintf("t%d", i)
	}
	aliases[0] = "root"
	innerAlias := aliases[len(ancestors)]

	rootCols := make([]string, len(root.Table.PrimaryKey))
	for i, col := range root.Table.PrimaryKey {
		rootCols[i] = fmt.Sprintf("%s.%s", aliases[0], pq.QuoteIdentifier(col))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT DISTINCT %s\n", strings.Join(rootCols, ", "))
	fmt.Fprintf(&b, "FROM %s AS %s\n", qualifiedName(last.LeftSchema, last.LeftTable), innerAlias)
	for i := len(ancestors) - 1; i >= 0; i-- {
		step := ancestors[i]
		fmt.Fprintf(&b, "JOIN %s AS %s ON %s\n",
			qualifiedName(step.LeftSchema, step.LeftTable), aliases[i],
			equalColumns(aliases[i+1], step.RightColumns, aliases[i], step.LeftColumns))
	}

	var args []any
	tuples := make([]string, 0, len(values))
	for _, tuple := range values {
		placeholders := make([]string, len(tuple))
		for i, v := range tuple {
			args = append(args, v)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		tuples = append(tuples, fmt.Sprintf("(%s)", strings.Join(placeholders, ", ")))
	}
	filterCols := make([]string, len(last.LeftColumns))
	for i, c := range last.LeftColumns {
		filterCols[i] = fmt.Sprintf("%s.%s", innerAlias, pq.QuoteIdentifier(c))
	}
	fmt.Fprintf(&b, "WHERE (%s) IN (%s)", strings.Join(filterCols, ", "), strings.Join(tuples, ", "))

	return b.String(), args
}

func queryAncestorChain(ctx context.Context, conn db.DB, root *schema.TreeNode, chain []schema.JoinStep, values [][]any) ([][]any, error) {
	if len(chain) == 0 || len(values) == 0 {
		return nil, nil
	}

	sqlText, args := buildAncestorQuery(root, chain, values)
	rows, err := conn.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("engine: resolving pivot keys: %w", err)
	}
	defer rows.Close()

	var keys [][]any
	width := len(root.Table.PrimaryKey)
	for rows.Next() {
		scanned := make([]any, width)
		ptrs := make([]any, width)
		for i := range scanned {
			ptrs[i] = &scanned[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("engine: scanning pivot key row: %w", err)
		}
		keys = append(keys, scanned)
	}
	return keys, rows.Err()
}

func qualifiedName(schemaName, table string) string {
	return fmt.Sprintf("%s.%s", pq.QuoteIdentifier(schemaName), pq.QuoteIdentifier(table))
}

func equalColumns(leftAlias string, leftCols []string, rightAlias string, rightCols []string) string {
	parts := make([]string, len(leftCols))
	for i := range leftCols {
		parts[i] = fmt.Sprintf("%s.%s = %s.%s", leftAlias, pq.QuoteIdentifier(leftCols[i]), rightAlias, pq.QuoteIdentifier(rightCols[i]))
	}
	return strings.Join(parts, " AND ")
}
