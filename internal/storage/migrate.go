package storage

import (
	"database/sql"
	"fmt"
	"os"
)

// Migrate applies the given SQL files in order against dsn. The files are
// idempotent (CREATE ... IF NOT EXISTS), so re-running on boot is safe.
func Migrate(dsn string, paths ...string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	for _, path := range paths {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", path, err)
		}
		if _, err := db.Exec(string(b)); err != nil {
			return fmt.Errorf("apply migration %s: %w", path, err)
		}
	}
	return nil
}
