// Package audit records every dispatched command in PostgreSQL.
//
// Results are queued without blocking the caller and written in batches to
// the command_log table. Rows are append-only and keyed by command id, so a
// retried flush never duplicates a row.
package audit
