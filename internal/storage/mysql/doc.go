// Package mysql owns the shared MySQL connection pool and embedded schema
// migrations. The per-entity stores (wallets, sessions, transactions,
// policies, approvals, audit) build on the *sql.DB it hands out.
package mysql
