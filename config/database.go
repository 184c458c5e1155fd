package config

import (
	"database/sql"
	"log"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	adb_device_id   TEXT NOT NULL,
	status          TEXT NOT NULL,
	resolution      TEXT,
	battery         INTEGER,
	android_version TEXT,
	last_seen       INTEGER
);
`

// InitDatabase opens (creating if needed) the sqlite database and applies
// the schema. Path comes from DB_PATH, defaulting to ./data/streaming.db.
func InitDatabase() (*sql.DB, error) {
	path := os.Getenv("DB_PATH")
	if path == "" {
		path = "./data/streaming.db"
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("💾 Database ready: %s", path)
	return db, nil
}
