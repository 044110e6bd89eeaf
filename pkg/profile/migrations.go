package profile

import "embed"

// MigrationsDir is the directory inside Migrations holding the goose files.
const MigrationsDir = "migrations"

// Migrations holds the billing_profiles schema.
//
//go:embed migrations/*.sql
var Migrations embed.FS
