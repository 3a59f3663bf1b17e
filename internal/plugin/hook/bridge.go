// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

package hook

import (
	"time"

	"github.com/querydeck/querydeck/internal/core"
)

// Hooks see lifecycle values as plain maps, the common shape both
// sandbox engines bridge natively. Field names here are the plugin-facing
// contract; the host-side structs stay in internal/core.

func queryContextToMap(qc core.QueryContext) map[string]any {
	return map[string]any{
		"query":        qc.Query,
		"connectionId": qc.ConnectionID,
		"dbPath":       qc.DBPath,
		"timestamp":    qc.Timestamp.UnixMilli(),
	}
}

// mapToQueryContext folds a hook's returned map back onto the previous
// context. Missing or mistyped fields keep their previous values, so a
// hook can return just the fields it changed.
func mapToQueryContext(m map[string]any, prev core.QueryContext) core.QueryContext {
	out := prev
	if q, ok := m["query"].(string); ok {
		out.Query = q
	}
	if c, ok := m["connectionId"].(string); ok {
		out.ConnectionID = c
	}
	if p, ok := m["dbPath"].(string); ok {
		out.DBPath = p
	}
	if ts, ok := m["timestamp"].(int64); ok {
		out.Timestamp = time.UnixMilli(ts)
	}
	return out
}

func queryResultsToMap(res core.QueryResults) map[string]any {
	columns := make([]any, len(res.Columns))
	for i, c := range res.Columns {
		columns[i] = c
	}
	rows := make([]any, len(res.Rows))
	for i, row := range res.Rows {
		cells := make([]any, len(row))
		copy(cells, row)
		rows[i] = cells
	}
	return map[string]any{
		"columns":         columns,
		"rows":            rows,
		"executionTimeMs": res.ExecutionTime.Milliseconds(),
		"rowsAffected":    res.RowsAffected,
	}
}

// mapToQueryResults folds a hook's returned map back onto the previous
// results, same merge semantics as mapToQueryContext.
func mapToQueryResults(m map[string]any, prev core.QueryResults) core.QueryResults {
	out := prev
	if cols, ok := m["columns"].([]any); ok {
		columns := make([]string, 0, len(cols))
		for _, c := range cols {
			if s, ok := c.(string); ok {
				columns = append(columns, s)
			}
		}
		out.Columns = columns
	}
	if rawRows, ok := m["rows"].([]any); ok {
		rows := make([][]any, 0, len(rawRows))
		for _, r := range rawRows {
			if cells, ok := r.([]any); ok {
				rows = append(rows, cells)
			}
		}
		out.Rows = rows
	}
	if ms, ok := m["executionTimeMs"].(int64); ok {
		out.ExecutionTime = time.Duration(ms) * time.Millisecond
	}
	if n, ok := m["rowsAffected"].(int64); ok {
		out.RowsAffected = n
	}
	return out
}

func queryErrorToMap(qe core.QueryError) map[string]any {
	return map[string]any{
		"message":      qe.Message,
		"code":         qe.Code,
		"query":        qe.Query,
		"connectionId": qe.ConnectionID,
	}
}
