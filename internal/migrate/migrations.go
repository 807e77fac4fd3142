// Package migrate brings a workspace event database up to the current schema.
// Migrations are embedded SQL files named NNNN_description.sql and are applied
// in version order inside one transaction; the applied version is tracked in
// the gateline_schema table.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type migration struct {
	version int
	name    string
	up      string
}

func load() ([]migration, error) {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	var migrations []migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := schemaFS.ReadFile("sql/" + e.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(e.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("event schema file %s must start with a version number: %w", e.Name(), err)
		}
		migrations = append(migrations, migration{version: v, name: e.Name(), up: string(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

// Migrate applies any pending event-log schema migrations. It is safe to call
// on every engine start; already-applied versions are skipped.
func Migrate(db *sql.DB) error {
	migrations, err := load()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS gateline_schema(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create gateline_schema: %w", err)
	}

	var current int
	err = tx.QueryRow(`SELECT version FROM gateline_schema LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO gateline_schema(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init gateline_schema: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read gateline_schema: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := tx.Exec(m.up); err != nil {
			return fmt.Errorf("apply event schema %s: %w", m.name, err)
		}
		if _, err := tx.Exec(`UPDATE gateline_schema SET version=?`, m.version); err != nil {
			return fmt.Errorf("record event schema %s: %w", m.name, err)
		}
		current = m.version
	}
	return tx.Commit()
}
