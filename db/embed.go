// Package db embeds the SQL schema of the coupon engine.
package db

import _ "embed"

// Schema creates the tenant directory, coupon, usage ledger and API key
// tables. Every statement is idempotent, so it runs on each start.
//
//go:embed migrations/001_schema.sql
var Schema string
