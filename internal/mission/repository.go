package mission

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dig-os/digd/internal/errors"
	"github.com/dig-os/digd/internal/logger"
)

const defaultDirPerm = 0o755

// Repository persists the mission catalog so a daemon restart can resume
// in-flight missions from their last confirmed checkpoint.
type Repository interface {
	Save(m *Mission) error
	LoadAll() ([]Mission, error)
	Close() error
}

type sqliteRepository struct {
	db *sql.DB
	mu sync.Mutex
}

func NewRepository(dbPath string) (Repository, error) {
	errFactory := errors.New()

	if dbPath == "" {
		return nil, errFactory.New(ErrStorageInit)
	}

	logger.Debug().Msgf("Initializing mission repository at: %s", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL")
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if _, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS missions (
            id TEXT PRIMARY KEY,
            title TEXT,
            domain TEXT,
            value_score INTEGER,
            resource_requirement INTEGER,
            deadline INTEGER,
            state TEXT,
            current_epoch INTEGER,
            total_epochs INTEGER,
            last_checkpoint_ref TEXT,
            abort_reason TEXT,
            submitted_at INTEGER
        )
    `); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	return &sqliteRepository{db: db}, nil
}

func (r *sqliteRepository) Save(m *Mission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deadline int64
	if m.Deadline != nil {
		deadline = m.Deadline.UnixMilli()
	}

	_, err := r.db.Exec(`
        INSERT INTO missions (
            id, title, domain, value_score, resource_requirement, deadline,
            state, current_epoch, total_epochs, last_checkpoint_ref,
            abort_reason, submitted_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            state = excluded.state,
            current_epoch = excluded.current_epoch,
            last_checkpoint_ref = excluded.last_checkpoint_ref,
            abort_reason = excluded.abort_reason
    `,
		m.ID, m.Title, m.Domain, m.ValueScore, m.ResourceRequirementPct,
		deadline, string(m.State), m.CurrentEpoch, m.TotalEpochs,
		m.LastCheckpointRef, m.AbortReason, m.SubmittedAt.UnixMilli(),
	)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *sqliteRepository) LoadAll() ([]Mission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`
        SELECT id, title, domain, value_score, resource_requirement, deadline,
               state, current_epoch, total_epochs, last_checkpoint_ref,
               abort_reason, submitted_at
        FROM missions
    `)
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var missions []Mission
	for rows.Next() {
		var m Mission
		var state string
		var deadline, submittedAt int64
		if err := rows.Scan(
			&m.ID, &m.Title, &m.Domain, &m.ValueScore, &m.ResourceRequirementPct,
			&deadline, &state, &m.CurrentEpoch, &m.TotalEpochs,
			&m.LastCheckpointRef, &m.AbortReason, &submittedAt,
		); err != nil {
			return nil, errors.New().Wrap(ErrStorageAccess, err)
		}

		m.State = State(state)
		m.SubmittedAt = time.UnixMilli(submittedAt)
		if deadline > 0 {
			d := time.UnixMilli(deadline)
			m.Deadline = &d
		}
		missions = append(missions, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	return missions, nil
}

func (r *sqliteRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}

	return nil
}
