// Package migrations embeds SQL migration files and provides a function to apply them.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pressly/goose/v3"
)

// FS contains the embedded SQL migration files, one directory per dialect.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS

// Dialect selects a migration set.
type Dialect string

// Supported dialects.
const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

func (d Dialect) dir() (string, error) {
	switch d {
	case Postgres:
		return "postgres", nil
	case SQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", d)
	}
}

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

// Run applies all pending migrations to db.
func Run(db *sql.DB, dialect Dialect) error {
	return Command(db, dialect, "up")
}

// Command runs a goose command (up, up-one, down, status, version, reset).
func Command(db *sql.DB, dialect Dialect, cmd string) error {
	dir, err := dialect.dir()
	if err != nil {
		return err
	}
	gooseMu.Lock()
	defer gooseMu.Unlock()

	sub, err := fs.Sub(FS, dir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	goose.SetBaseFS(sub)
	if err := goose.SetDialect(string(dialect)); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	switch cmd {
	case "up":
		err = goose.Up(db, ".")
	case "up-one":
		err = goose.UpByOne(db, ".")
	case "down":
		err = goose.Down(db, ".")
	case "status":
		err = goose.Status(db, ".")
	case "version":
		err = goose.Version(db, ".")
	case "reset":
		err = goose.Reset(db, ".")
	default:
		return fmt.Errorf("unknown migrate command: %s", cmd)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}
