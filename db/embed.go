// Package db embeds the schema applied at service startup.
package db

import _ "embed"

// Schema holds the DDL for the orders and webhook_events tables. Statements
// are idempotent, so applying them on every boot is safe.
//
//go:embed migrations/001_schema.sql
var Schema string
