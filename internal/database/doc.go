// Package database provides the PostgreSQL connection pool for the command
// audit log.
//
// The pool is optional: it is only opened when database.enabled is set.
package database
