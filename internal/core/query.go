// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

// Package core contains the query lifecycle value types shared between
// the host application and the plugin runtime.
package core

import "time"

// QueryContext describes a query about to be dispatched. It flows through
// before-query hooks as a value; each hook may return a transformed copy.
type QueryContext struct {
	Query        string
	ConnectionID string
	DBPath       string
	Timestamp    time.Time
}

// QueryResults holds the outcome of an executed query. It flows through
// after-query hooks, which may transform it in a pipeline.
type QueryResults struct {
	Columns       []string
	Rows          [][]any
	ExecutionTime time.Duration
	RowsAffected  int64
}

// QueryError describes a failed query. Error hooks receive it read-only.
type QueryError struct {
	Message      string
	Code         string
	Query        string
	ConnectionID string
}
