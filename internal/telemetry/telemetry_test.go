package telemetry

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/npuctl/internal/dvfs"
	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/logger"
	"codeberg.org/mutker/npuctl/internal/mode"
	"codeberg.org/mutker/npuctl/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotAt(ts time.Time) scheduler.Snapshot {
	return scheduler.Snapshot{
		Time:         ts,
		Mode:         mode.Boost,
		Load:         6000,
		Idle:         2 * time.Millisecond,
		Enabled:      true,
		Temperature:  55000,
		ThermalLimit: 1200000,
		Domains: []scheduler.DomainState{
			{Name: "NPU0", IP: dvfs.Core, Cur: 800000, LimitMin: 800000, LimitMax: 1200000},
			{Name: "DSP", IP: dvfs.DNC, Cur: 400000, LimitMin: 400000, LimitMax: 800000},
		},
		Sessions: []scheduler.SessionState{
			{UID: 3, Mode: mode.Boost, Priority: 10, FPSLoad: 6000, TPF: 20 * time.Millisecond},
		},
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		Enabled:   true,
		DBPath:    filepath.Join(dir, "db", "telemetry.db"),
		BackupDir: filepath.Join(dir, "backups"),
		BatchSize: 1,
	}
}

func count(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func openRepo(t *testing.T, cfg Config) *repository {
	t.Helper()
	repo, err := NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	r, ok := repo.(*repository)
	require.True(t, ok)
	return r
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr errors.ErrorCode
	}{
		{name: "disabled without path", cfg: Config{}},
		{name: "defaults", cfg: DefaultConfig()},
		{name: "enabled without path", cfg: Config{Enabled: true}, wantErr: ErrInvalidDBPath},
		{name: "negative batch", cfg: Config{DBPath: "x.db", BatchSize: -1}, wantErr: ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.wantErr))
		})
	}
}

func TestDisabledServiceIsNoop(t *testing.T) {
	c, err := NewService(Config{}, logger.Nop())
	require.NoError(t, err)

	snap := snapshotAt(time.Now())
	assert.NoError(t, c.Record(context.Background(), &snap))
	assert.NoError(t, c.Close())
}

func TestRecordWritesSnapshotRows(t *testing.T) {
	cfg := testConfig(t)
	c, err := NewService(cfg, logger.Nop())
	require.NoError(t, err)

	base := time.Unix(1700000000, 0)
	for i := 0; i < 2; i++ {
		snap := snapshotAt(base.Add(time.Duration(i) * time.Second))
		require.NoError(t, c.Record(context.Background(), &snap))
	}
	require.NoError(t, c.Close())

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, 2, count(t, db, "snapshots"))
	assert.Equal(t, 4, count(t, db, "domain_samples"))
	assert.Equal(t, 2, count(t, db, "session_samples"))

	var (
		modeName string
		idleUS   int64
		curKHz   int64
	)
	require.NoError(t, db.QueryRow(`
        SELECT s.mode, s.idle_us, d.cur_khz
        FROM snapshots s JOIN domain_samples d ON d.snapshot_id = s.id
        WHERE d.domain = 'DSP' ORDER BY s.timestamp LIMIT 1
    `).Scan(&modeName, &idleUS, &curKHz))
	assert.Equal(t, "boost", modeName)
	assert.Equal(t, int64(2000), idleUS)
	assert.Equal(t, int64(400000), curKHz)
}

func TestRecordRejectsBadInput(t *testing.T) {
	c, err := NewService(testConfig(t), logger.Nop())
	require.NoError(t, err)
	defer c.Close()

	err = c.Record(context.Background(), nil)
	assert.True(t, errors.HasCode(err, ErrInvalidSnapshot))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap := snapshotAt(time.Now())
	err = c.Record(ctx, &snap)
	assert.True(t, errors.HasCode(err, ErrOperationTimeout))
}

func TestRecordAfterClose(t *testing.T) {
	c, err := NewService(testConfig(t), logger.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	snap := snapshotAt(time.Now())
	err = c.Record(context.Background(), &snap)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrClosed))
}

func TestBatchHeldUntilFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 3
	r := openRepo(t, cfg)

	base := time.Unix(1700000000, 0)
	require.NoError(t, r.Store(snapshotAt(base)))
	require.NoError(t, r.Store(snapshotAt(base.Add(time.Second))))
	assert.Equal(t, 0, count(t, r.db, "snapshots"))

	require.NoError(t, r.Store(snapshotAt(base.Add(2*time.Second))))
	assert.Equal(t, 3, count(t, r.db, "snapshots"))

	require.NoError(t, r.Store(snapshotAt(base.Add(3*time.Second))))
	require.NoError(t, r.Close())

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, 4, count(t, db, "snapshots"))
}

func TestFlusherWritesPartialBatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 100
	cfg.BatchTimeout = 10 * time.Millisecond
	r := openRepo(t, cfg)
	defer r.Close()

	require.NoError(t, r.Store(snapshotAt(time.Now())))

	assert.Eventually(t, func() bool {
		var n int
		if err := r.db.QueryRow("SELECT COUNT(*) FROM snapshots").Scan(&n); err != nil {
			return false
		}
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchemaMismatchBacksUpAndRecreates(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm))

	old, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = old.Exec(`
        CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
        INSERT INTO schema_versions VALUES (99, datetime('now'));
        CREATE TABLE snapshots (id INTEGER PRIMARY KEY, legacy TEXT);
        INSERT INTO snapshots (legacy) VALUES ('x');
    `)
	require.NoError(t, err)
	require.NoError(t, old.Close())

	r := openRepo(t, cfg)
	defer r.Close()

	version, err := GetSchemaVersion(r.db)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)
	assert.Equal(t, 0, count(t, r.db, "snapshots"))

	backups, err := filepath.Glob(filepath.Join(cfg.BackupDir, "telemetry_v99_*.db"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestReopenKeepsCurrentSchema(t *testing.T) {
	cfg := testConfig(t)

	r := openRepo(t, cfg)
	require.NoError(t, r.Store(snapshotAt(time.Now())))
	require.NoError(t, r.Close())

	r = openRepo(t, cfg)
	defer r.Close()
	assert.Equal(t, 1, count(t, r.db, "snapshots"))

	_, err := os.Stat(cfg.BackupDir)
	assert.True(t, os.IsNotExist(err))
}
