package telemetry

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dig-os/digd/internal/errors"
	"github.com/dig-os/digd/internal/logger"
)

const defaultDirPerm = 0o755

// Repository persists the sample history so operators can inspect thermal
// behavior across restarts.
type Repository interface {
	Store(ctx context.Context, sample *Sample) error
	Close() error
}

type sqliteRepository struct {
	db *sql.DB
	mu sync.Mutex
}

func NewRepository(dbPath string) (Repository, error) {
	errFactory := errors.New()

	if dbPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	logger.Debug().Msgf("Initializing telemetry repository at: %s", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL")
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &sqliteRepository{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS telemetry (
            timestamp INTEGER PRIMARY KEY,
            gpu_temperature REAL,
            cpu_load REAL,
            gpu_utilization REAL,
            power_draw REAL,
            net_latency REAL,
            degraded INTEGER
        )
    `)
	if err != nil {
		return errors.New().Wrap(ErrStorageInit, err)
	}

	return nil
}

func (r *sqliteRepository) Store(ctx context.Context, sample *Sample) error {
	errFactory := errors.New()

	if sample == nil {
		return errFactory.New(ErrInvalidConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
        INSERT INTO telemetry (
            timestamp, gpu_temperature, cpu_load,
            gpu_utilization, power_draw, net_latency, degraded
        ) VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(timestamp) DO UPDATE SET
            gpu_temperature = excluded.gpu_temperature,
            cpu_load = excluded.cpu_load,
            gpu_utilization = excluded.gpu_utilization,
            power_draw = excluded.power_draw,
            net_latency = excluded.net_latency,
            degraded = excluded.degraded
    `,
		sample.Timestamp.UnixMilli(),
		sample.GPUTemperatureC,
		sample.CPULoadPct,
		sample.GPUUtilizationPct,
		sample.PowerDrawW,
		sample.NetLatencyMs,
		boolToInt(sample.Degraded),
	)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *sqliteRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
