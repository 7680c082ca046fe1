package postgres

import "embed"

// Migrations is consumed by shared/migration at bootstrap to bring a fresh
// deployment's schema up to date before the registry starts accepting
// subgraphs.
//
//go:embed migrations/*.sql
var Migrations embed.FS
