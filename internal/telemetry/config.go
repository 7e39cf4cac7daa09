package telemetry

import (
	"path/filepath"
	"time"

	"codeberg.org/mutker/npuctl/internal/errors"
)

const (
	defaultDirPerm = 0o755
	defaultDBPath  = "/var/lib/npuctl/telemetry.db"
)

type Config struct {
	Enabled bool
	DBPath  string
	// BackupDir receives a copy of the database before an incompatible
	// schema is replaced. Empty means a "backups" directory next to DBPath.
	BackupDir string
	// BatchSize snapshots are buffered before a write; 1 or less writes
	// every snapshot immediately.
	BatchSize int
	// BatchTimeout flushes a partial batch. Zero disables the flusher.
	BatchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		DBPath:       defaultDBPath,
		BatchSize:    20,
		BatchTimeout: 5 * time.Second,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if telemetry is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.BatchTimeout < 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			BatchSize    int
			BatchTimeout time.Duration
		}{c.BatchSize, c.BatchTimeout})
	}
	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(filepath.Dir(c.DBPath), "backups")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
