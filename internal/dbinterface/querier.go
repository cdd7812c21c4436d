// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Querier is the subset of database/sql used by the stores. Both *sql.DB
// and *sql.Tx satisfy it, so store methods can run standalone or inside a
// transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxQuerier adds transaction control on top of Querier.
type TxQuerier interface {
	Querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// SQLite has a SQLITE_MAX_VARIABLE_NUMBER limit (default 999). Bulk
// statements chunk their bind parameters below that.
const MaxParams = 900

// Placeholders returns a comma-joined list of n "?" markers for IN clauses
// and multi-row VALUES lists.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(n * 2)
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("?")
	}
	return sb.String()
}

// PlaceholderRows returns rows multi-value tuples of width cols, e.g.
// "(?,?),(?,?)" for rows=2, cols=2.
func PlaceholderRows(rows, cols int) string {
	if rows <= 0 || cols <= 0 {
		return ""
	}
	row := "(" + Placeholders(cols) + ")"
	var sb strings.Builder
	sb.Grow(rows * (len(row) + 1))
	for i := 0; i < rows; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(row)
	}
	return sb.String()
}

// BuildQueryWithPlaceholders substitutes a placeholder list into a query
// template containing a single %s verb.
func BuildQueryWithPlaceholders(template string, rows, cols int) string {
	if cols <= 1 {
		return fmt.Sprintf(template, Placeholders(rows))
	}
	return fmt.Sprintf(template, PlaceholderRows(rows, cols))
}
