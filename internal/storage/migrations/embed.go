package migrations

import "embed"

// PostgresFS carries the schema for the chain and token tables.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS

// ClickhouseFS carries the price history table definition.
//
//go:embed clickhouse/*.sql
var ClickhouseFS embed.FS
