// Package database provides the SQLite store behind the session event journal.
//
// This package manages:
//   - Opening the database file with WAL mode and a busy timeout
//   - Versioned schema migrations read from an fs.FS
//   - Health checks for the API
//
// Security Considerations:
//   - All queries use parameterised statements
//   - The database file is chmod 0600
//   - Journaled payloads are stored as received; restrict file access accordingly
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration Strategy:
//
// Migrations are additive. Each YYYYMMDD_HHMMSS_name.up.sql has a matching
// .down.sql used by MigrateDown during development.
package database
