package database

import "embed"

// Migrations embeds the goose migration files shipped with the binary, so
// the service can self-migrate on startup without a separate migration
// runner or external files on disk.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory goose looks under within Migrations.
const MigrationsDir = "migrations"
