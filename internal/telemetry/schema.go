package telemetry

import (
	"database/sql"

	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS snapshots (
	       id            INTEGER PRIMARY KEY AUTOINCREMENT,
	       timestamp     INTEGER NOT NULL,
	       mode          TEXT NOT NULL,
	       load          INTEGER NOT NULL CHECK (typeof(load) = 'integer'),
	       idle_us       INTEGER NOT NULL CHECK (typeof(idle_us) = 'integer'),
	       enabled       INTEGER NOT NULL CHECK (enabled IN (0, 1)),
	       boost         INTEGER NOT NULL CHECK (typeof(boost) = 'integer'),
	       temperature   INTEGER NOT NULL CHECK (typeof(temperature) = 'integer'),
	       thermal_limit INTEGER NOT NULL CHECK (typeof(thermal_limit) = 'integer')
	   );
	   CREATE TABLE IF NOT EXISTS domain_samples (
	       snapshot_id INTEGER NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
	       domain      TEXT NOT NULL,
	       cur_khz     INTEGER NOT NULL,
	       limit_min   INTEGER NOT NULL,
	       limit_max   INTEGER NOT NULL,
	       PRIMARY KEY (snapshot_id, domain)
	   );
	   CREATE TABLE IF NOT EXISTS session_samples (
	       snapshot_id INTEGER NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
	       uid         INTEGER NOT NULL,
	       mode        TEXT NOT NULL,
	       priority    INTEGER NOT NULL,
	       fps_load    INTEGER NOT NULL,
	       tpf_us      INTEGER NOT NULL,
	       PRIMARY KEY (snapshot_id, uid)
	   );
	   CREATE INDEX IF NOT EXISTS snapshots_timestamp ON snapshots(timestamp);`

	insertSnapshotSQL = `
    INSERT INTO snapshots (
        timestamp, mode, load, idle_us, enabled, boost,
        temperature, thermal_limit
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	insertDomainSQL = `
    INSERT INTO domain_samples (
        snapshot_id, domain, cur_khz, limit_min, limit_max
    ) VALUES (?, ?, ?, ?, ?)`

	insertSessionSQL = `
    INSERT INTO session_samples (
        snapshot_id, uid, mode, priority, fps_load, tpf_us
    ) VALUES (?, ?, ?, ?, ?, ?)`
)

// dataTables lists the tables dropped when the schema is recreated, children
// first.
var dataTables = []string{"session_samples", "domain_samples", "snapshots", "schema_versions"}

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Telemetry schema initialized")

	return nil
}

// GetSchemaVersion returns the current schema version, or 0 for an empty
// database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
