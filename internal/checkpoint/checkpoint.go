package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dig-os/digd/internal/errors"
	"github.com/dig-os/digd/internal/logger"
)

const (
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
	defaultKeep     = 3

	latestPointer = "latest"
)

// Ref identifies a durably written checkpoint.
type Ref string

// Checkpoint is a durable snapshot of a mission's progress at an epoch.
// Immutable once written; later epochs supersede it.
type Checkpoint struct {
	MissionID string          `json:"mission_id"`
	Epoch     int             `json:"epoch"`
	Payload   json.RawMessage `json:"payload"`
	WrittenAt time.Time       `json:"written_at"`
}

// Store persists checkpoints with a write-then-publish discipline: the
// checkpoint file is written and synced to a staging name, renamed into
// place, and only then does the latest pointer swap to it. A crash at any
// point leaves restore returning either the prior complete checkpoint or
// the new one, never a partial write.
type Store struct {
	root string
	keep int
	mu   sync.Mutex
}

func NewStore(root string, keep int) (*Store, error) {
	errFactory := errors.New()

	if root == "" {
		return nil, errFactory.WithMessage(errors.ErrInvalidConfig, "checkpoint directory is required")
	}
	if keep <= 0 {
		keep = defaultKeep
	}

	if err := os.MkdirAll(root, defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(errors.ErrInitFailed, err)
	}

	return &Store{root: root, keep: keep}, nil
}

// Save durably writes a checkpoint. When Save returns without error the
// checkpoint is guaranteed retrievable by Restore.
func (s *Store) Save(missionID string, epoch int, payload json.RawMessage) (Ref, error) {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	missionDir := filepath.Join(s.root, missionID)
	if err := os.MkdirAll(missionDir, defaultDirPerm); err != nil {
		return "", errFactory.Wrap(errors.ErrCheckpointWriteFailed, err)
	}

	cp := Checkpoint{
		MissionID: missionID,
		Epoch:     epoch,
		Payload:   payload,
		WrittenAt: time.Now().UTC(),
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return "", errFactory.Wrap(errors.ErrCheckpointWriteFailed, err)
	}

	name := fmt.Sprintf("epoch-%04d.json", epoch)
	final := filepath.Join(missionDir, name)

	if err := writeAtomic(final, data); err != nil {
		return "", errFactory.Wrap(errors.ErrCheckpointWriteFailed, err)
	}

	// Publish: the pointer swap is what makes the new epoch visible.
	pointer := filepath.Join(missionDir, latestPointer)
	if err := writeAtomic(pointer, []byte(name)); err != nil {
		return "", errFactory.Wrap(errors.ErrCheckpointWriteFailed, err)
	}

	s.collectGarbage(missionDir, name)

	return Ref(final), nil
}

// Restore returns the most recently published checkpoint for a mission.
// A mission with no prior checkpoint yields mission_not_found; the caller
// treats that as "start at epoch 0".
func (s *Store) Restore(missionID string) (Checkpoint, error) {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	missionDir := filepath.Join(s.root, missionID)
	pointer, err := os.ReadFile(filepath.Join(missionDir, latestPointer))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, errFactory.WithData(errors.ErrMissionNotFound, missionID)
		}
		return Checkpoint{}, errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	data, err := os.ReadFile(filepath.Join(missionDir, strings.TrimSpace(string(pointer))))
	if err != nil {
		return Checkpoint{}, errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	return cp, nil
}

// Drop removes all checkpoints for a mission, called after terminal states.
func (s *Store) Drop(missionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.root, missionID)); err != nil {
		return errors.New().Wrap(errors.ErrOperationFailed, err)
	}

	return nil
}

// collectGarbage retains the most recent keep epoch files. The published
// checkpoint is always among the retained set.
func (s *Store) collectGarbage(missionDir, current string) {
	entries, err := os.ReadDir(missionDir)
	if err != nil {
		return
	}

	var epochs []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "epoch-") && strings.HasSuffix(name, ".json") {
			epochs = append(epochs, name)
		}
	}
	if len(epochs) <= s.keep {
		return
	}

	sort.Strings(epochs)
	for _, name := range epochs[:len(epochs)-s.keep] {
		if name == current {
			continue
		}
		if err := os.Remove(filepath.Join(missionDir, name)); err != nil {
			logger.Warn().Err(err).Str("file", name).Msg("Failed to remove superseded checkpoint")
		}
	}
}

// writeAtomic writes data to a staging file, syncs it, and renames it into
// place. Rename is atomic on POSIX filesystems.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaultFilePerm)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Sync()
}
