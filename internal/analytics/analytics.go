// Package analytics implements the read-only stream analytics component
// introduced in SPEC_FULL §11: the teacher's go.mod declares
// github.com/marcboeker/go-duckdb as a direct dependency with no call site
// in the retrieved tree, so this package gives it a home. For a JSON-mode
// stream, already-persisted entries are loaded into a throwaway in-process
// DuckDB table and queried with arbitrary read-only SQL.
package analytics

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/cloudpipe/durable-streams/internal/protocol"
	"github.com/cloudpipe/durable-streams/internal/store"
)

// Queryer is the narrow surface internal/pipeline depends on, so the core
// request-dispatch engine never imports database/sql or go-duckdb directly
// — only the analytics_dsn config knob pulls this component in.
type Queryer interface {
	Query(ctx context.Context, path, sqlText string) ([]byte, error)
}

// Engine runs read-only SQL against one stream's JSON entries at a time.
type Engine struct {
	st store.Store
}

// New builds an Engine reading from st.
func New(st store.Store) *Engine {
	return &Engine{st: st}
}

// Query loads path's entries into a fresh "stream" table (one JSON column
// named "entry" per message) and evaluates sqlText against it, returning a
// JSON array of result rows. Each query gets its own DuckDB connection so
// concurrent queries never share table state.
func (e *Engine) Query(ctx context.Context, path, sqlText string) ([]byte, error) {
	meta, err := e.st.Get(path)
	if err != nil {
		return nil, err
	}
	if !protocol.IsJSONContentType(meta.ContentType) {
		return nil, protocol.NewError(protocol.KindBadRequest, "analytics requires a JSON-mode stream")
	}

	messages, _, err := e.st.Read(path, protocol.ZeroOffset)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, protocol.Wrap(protocol.KindInternal, "open analytics engine", err)
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindInternal, "open analytics connection", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `CREATE TABLE stream (entry JSON)`); err != nil {
		return nil, protocol.Wrap(protocol.KindInternal, "create analytics table", err)
	}

	stmt, err := conn.PrepareContext(ctx, `INSERT INTO stream (entry) VALUES (?)`)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindInternal, "prepare analytics insert", err)
	}
	for _, m := range messages {
		if _, err := stmt.ExecContext(ctx, string(m.Data)); err != nil {
			stmt.Close()
			return nil, protocol.Wrap(protocol.KindInternal, "load analytics entry", err)
		}
	}
	stmt.Close()

	rows, err := conn.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindBadRequest, "invalid analytics query", err)
	}
	defer rows.Close()

	results, err := rowsToJSON(rows)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindInternal, "read analytics results", err)
	}
	return results, nil
}

// rowsToJSON renders a *sql.Rows result set as a JSON array of objects
// keyed by column name.
func rowsToJSON(rows *sql.Rows) ([]byte, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var records []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}

		record := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			record[col] = normalizeValue(values[i])
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if records == nil {
		records = []map[string]interface{}{}
	}
	return json.Marshal(records)
}

// normalizeValue converts driver-returned byte slices to strings so the
// rendered JSON carries text instead of base64-encoded blobs.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
