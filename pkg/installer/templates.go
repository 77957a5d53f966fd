// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/lib/pq"
)

// rowNotifyFunction is the per-table trigger function fired on INSERT,
// UPDATE and DELETE. It embeds the table's primary key columns at
// generation time, mirroring pgroll's templates.Function, which likewise
// bakes a table's column set into the generated function body rather than
// discovering it at trigger-fire time.
const rowNotifyFunction = `CREATE OR REPLACE FUNCTION {{ .FunctionName | qi }}()
    RETURNS TRIGGER
    LANGUAGE PLPGSQL
    AS $$
    DECLARE
      payload json;
    BEGIN
      IF TG_OP = 'DELETE' THEN
        payload := json_build_object(
          'tg_op', TG_OP, 'schema', TG_TABLE_SCHEMA, 'table', TG_TABLE_NAME,
          'old', json_build_object({{ range $i, $c := .PrimaryKey }}{{ if $i }}, {{ end }}{{ $c | ql }}, OLD.{{ $c | qi }}{{ end }}),
          'new', null
        );
      ELSIF TG_OP = 'INSERT' THEN
        payload := json_build_object(
          'tg_op', TG_OP, 'schema', TG_TABLE_SCHEMA, 'table', TG_TABLE_NAME,
          'old', null,
          'new', json_build_object({{ range $i, $c := .PrimaryKey }}{{ if $i }}, {{ end }}{{ $c | ql }}, NEW.{{ $c | qi }}{{ end }})
        );
      ELSE
        payload := json_build_object(
          'tg_op', TG_OP, 'schema', TG_TABLE_SCHEMA, 'table', TG_TABLE_NAME,
          'old', json_build_object({{ range $i, $c := .PrimaryKey }}{{ if $i }}, {{ end }}{{ $c | ql }}, OLD.{{ $c | qi }}{{ end }}),
          'new', json_build_object({{ range $i, $c := .PrimaryKey }}{{ if $i }}, {{ end }}{{ $c | ql }}, NEW.{{ $c | qi }}{{ end }})
        );
      END IF;
      PERFORM pg_notify({{ .Channel | ql }}, payload::text);
      RETURN COALESCE(NEW, OLD);
    END; $$
`

const rowTrigger = `CREATE OR REPLACE TRIGGER {{ .TriggerName | qi }}
    AFTER INSERT OR UPDATE OR DELETE
    ON {{ .Schema | qi }}.{{ .Table | qi }}
    FOR EACH ROW
    EXECUTE PROCEDURE {{ .FunctionName | qi }}();
`

const truncateNotifyFunction = `CREATE OR REPLACE FUNCTION {{ .FunctionName | qi }}()
    RETURNS TRIGGER
    LANGUAGE PLPGSQL
    AS $$
    BEGIN
      PERFORM pg_notify({{ .Channel | ql }}, json_build_object(
        'tg_op', 'TRUNCATE', 'schema', TG_TABLE_SCHEMA, 'table', TG_TABLE_NAME,
        'old', null, 'new', null
      )::text);
      RETURN NULL;
    END; $$
`

const truncateTrigger = `CREATE OR REPLACE TRIGGER {{ .TriggerName | qi }}
    AFTER TRUNCATE
    ON {{ .Schema | qi }}.{{ .Table | qi }}
    FOR EACH STATEMENT
    EXECUTE PROCEDURE {{ .FunctionName | qi }}();
`

// helperView exposes the primary-key columns of every tracked table in
// one place; foreign keys are not included. It is the schema-level
// counterpart to pgroll's
// read_schema catalog query, narrowed here to the tables the installer
// was asked to track rather than a whole-schema dump.
const helperView = `CREATE OR REPLACE VIEW {{ .ViewSchema | qi }}.{{ .ViewName | qi }} AS
SELECT
  ns.nspname AS table_schema,
  cls.relname AS table_name,
  array_agg(attr.attname ORDER BY array_position(idx.indkey, attr.attnum)) AS primary_key
FROM pg_index idx
JOIN pg_class cls ON cls.oid = idx.indrelid
JOIN pg_namespace ns ON ns.oid = cls.relnamespace
JOIN pg_attribute attr ON attr.attrelid = cls.oid AND attr.attnum = ANY(idx.indkey)
WHERE idx.indisprimary
  AND (ns.nspname, cls.relname) IN ({{ .TableList }})
GROUP BY ns.nspname, cls.relname
`

type rowFunctionConfig struct {
	FunctionName string
	Channel      string
	PrimaryKey   []string
}

type triggerConfig struct {
	TriggerName  string
	FunctionName string
	Schema       string
	Table        string
}

type helperViewConfig struct {
	ViewSchema string
	ViewName   string
	TableList  string
}

func buildRowNotifyFunction(cfg rowFunctionConfig) (string, error) {
	return executeTemplate("row_notify_function", rowNotifyFunction, cfg)
}

func buildRowTrigger(cfg triggerConfig) (string, error) {
	return executeTemplate("row_trigger", rowTrigger, cfg)
}

func buildTruncateNotifyFunction(cfg rowFunctionConfig) (string, error) {
	return executeTemplate("truncate_notify_function", truncateNotifyFunction, cfg)
}

func buildTruncateTrigger(cfg triggerConfig) (string, error) {
	return executeTemplate("truncate_trigger", truncateTrigger, cfg)
}

func buildHelperView(cfg helperViewConfig) (string, error) {
	return executeTemplate("helper_view", helperView, cfg)
}

func executeTemplate(name, content string, cfg any) (string, error) {
	tmpl := template.Must(template.New(name).
		Funcs(template.FuncMap{
			"ql": pq.QuoteLiteral,
			"qi": pq.QuoteIdentifier,
		}).
		Parse(content))

	buf := bytes.Buffer{}
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func quotedTableList(tables []TableRef) string {
	parts := make([]string, len(tables))
	for i, t := range tables {
		parts[i] = "(" + pq.QuoteLiteral(t.Schema) + ", " + pq.QuoteLiteral(t.Table) + ")"
	}
	return strings.Join(parts, ", ")
}
