package backup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/errors"
)

const stateFileName = "backup-state.json"

// ScheduleState is the persisted run history of one schedule slot.
type ScheduleState struct {
	LastSuccessful time.Time `json:"last_successful"`
	LastAttempted  time.Time `json:"last_attempted"`
	NextScheduled  time.Time `json:"next_scheduled"`
	FailureCount   int       `json:"failure_count"`
}

// backupState is the on-disk state file format.
type backupState struct {
	LastUpdate time.Time                `json:"last_update"`
	Schedules  map[string]ScheduleState `json:"schedules"`
}

// StateManager persists scheduler run history so missed and failed
// runs survive restarts.
type StateManager struct {
	mu    sync.Mutex
	path  string
	state backupState
}

// NewStateManager loads the state file from the config directory,
// starting fresh when none exists.
func NewStateManager() (*StateManager, error) {
	paths, err := conf.GetDefaultConfigPaths()
	if err != nil || len(paths) == 0 {
		return nil, errors.Newf("cannot resolve config directory for backup state").
			Component("backup").
			Category(errors.CategoryConfiguration).
			Build()
	}

	sm := &StateManager{
		path:  filepath.Join(paths[0], stateFileName),
		state: backupState{Schedules: make(map[string]ScheduleState)},
	}
	if err := sm.load(); err != nil {
		return nil, err
	}
	return sm, nil
}

func (sm *StateManager) load() error {
	data, err := os.ReadFile(sm.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", sm.path).
			Build()
	}
	if err := json.Unmarshal(data, &sm.state); err != nil {
		// A corrupt state file should not block backups.
		sm.state = backupState{Schedules: make(map[string]ScheduleState)}
	}
	if sm.state.Schedules == nil {
		sm.state.Schedules = make(map[string]ScheduleState)
	}
	return nil
}

// LastRun returns the last successful run of a slot, zero when never.
func (sm *StateManager) LastRun(key string) time.Time {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state.Schedules[key].LastSuccessful
}

// RecordSuccess notes a completed run and the next scheduled one.
func (sm *StateManager) RecordSuccess(key string, ranAt, next time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	entry := sm.state.Schedules[key]
	entry.LastSuccessful = ranAt
	entry.LastAttempted = ranAt
	entry.NextScheduled = next
	entry.FailureCount = 0
	sm.state.Schedules[key] = entry
}

// RecordFailure notes a failed run attempt.
func (sm *StateManager) RecordFailure(key string, ranAt time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	entry := sm.state.Schedules[key]
	entry.LastAttempted = ranAt
	entry.FailureCount++
	sm.state.Schedules[key] = entry
}

// Save writes the state file atomically.
func (sm *StateManager) Save() error {
	sm.mu.Lock()
	sm.state.LastUpdate = time.Now()
	data, err := json.MarshalIndent(&sm.state, "", "  ")
	sm.mu.Unlock()
	if err != nil {
		return errors.New(err).Component("backup").Category(errors.CategoryBackup).Build()
	}

	if err := os.MkdirAll(filepath.Dir(sm.path), 0o700); err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", sm.path).
			Build()
	}
	tmp := sm.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", tmp).
			Build()
	}
	if err := os.Rename(tmp, sm.path); err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", sm.path).
			Build()
	}
	return nil
}
