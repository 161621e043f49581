package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one numbered schema change shipped inside the binary.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

func ensureMigrationTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	return err
}

func schemaVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// parseMigrationName splits "003_add_index.sql" into (3, "add_index").
func parseMigrationName(filename string) (int, string, bool) {
	if !strings.HasSuffix(filename, ".sql") {
		return 0, "", false
	}
	prefix, rest, found := strings.Cut(strings.TrimSuffix(filename, ".sql"), "_")
	if !found || rest == "" {
		return 0, "", false
	}
	var version int
	if _, err := fmt.Sscanf(prefix, "%d", &version); err != nil || version <= 0 {
		return 0, "", false
	}
	return version, rest, true
}

// loadMigrations reads every embedded migration, ordered by version.
func loadMigrations() ([]Migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, ok := parseMigrationName(entry.Name())
		if !ok {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// backupDatabase copies the database file next to itself before a schema
// change. A missing file (fresh database) needs no backup.
func backupDatabase(dbPath string, fromVersion int) (string, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return "", nil
	}

	backupPath := fmt.Sprintf("%s.backup-v%d-%s", dbPath, fromVersion, time.Now().Format("20060102-150405"))

	src, err := os.Open(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to open database for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(backupPath)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("failed to copy database: %w", err)
	}

	log.Printf("Created database backup: %s", filepath.Base(backupPath))
	return backupPath, nil
}

// runMigrations applies every migration newer than the recorded schema
// version. Existing databases are backed up first.
func runMigrations(db *sql.DB, dbPath string) error {
	if err := ensureMigrationTable(db); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	current, err := schemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	all, err := loadMigrations()
	if err != nil {
		return err
	}

	var pending []Migration
	for _, m := range all {
		if m.Version > current {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		log.Printf("Database is up to date (version %d)", current)
		return nil
	}

	// Version 0 means the schema was never created; nothing worth keeping.
	if current > 0 {
		if _, err := backupDatabase(dbPath, current); err != nil {
			return fmt.Errorf("failed to backup database: %w", err)
		}
	}

	log.Printf("Running %d pending migration(s) from version %d to %d",
		len(pending), current, pending[len(pending)-1].Version)

	for _, m := range pending {
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		log.Printf("Applied migration %d: %s", m.Version, m.Name)
	}
	return nil
}

func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Name, nowMillis(),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}
