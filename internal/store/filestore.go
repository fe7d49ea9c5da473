package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/credlink/keyops/internal/errors"
	"github.com/credlink/keyops/pkg/credential"
)

// FileStore keeps one JSON file per credential generation under
// baseDir/<identity>/v<version>.json. Commits are serialized by an
// in-process mutex; individual files are written via temp-file
// rename so a reader never sees a partial record.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	clock   func() time.Time
}

// NewFileStore creates a file-backed store rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{
		baseDir: baseDir,
		clock:   time.Now,
	}
}

// DefaultStoreDir returns the default record directory.
func DefaultStoreDir() string {
	if dir := os.Getenv("KEYOPS_STORE_DIR"); dir != "" {
		return dir
	}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "keyops", "records")
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "keyops", "records")
	}

	return filepath.Join(os.TempDir(), "keyops", "records")
}

// GetActive returns the identity's active record.
func (fs *FileStore) GetActive(ctx context.Context, identity credential.Identity) (*credential.Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	rec, err := fs.findByState(identity, credential.StateActive)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.NotFoundError{Identity: string(identity)}
	}
	return rec, nil
}

// GetPrevious returns the identity's previous-generation record.
func (fs *FileStore) GetPrevious(ctx context.Context, identity credential.Identity) (*credential.Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	rec, err := fs.findByState(identity, credential.StatePrevious)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.NoPreviousCredentialError{Identity: string(identity)}
	}
	return rec, nil
}

// GetVersion returns one specific generation of the identity.
func (fs *FileStore) GetVersion(ctx context.Context, identity credential.Identity, version int64) (*credential.Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	rec, err := fs.readRecord(identity, version)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundError{Identity: string(identity)}
		}
		return nil, err
	}
	return rec, nil
}

// History returns every record of the identity, newest version first.
func (fs *FileStore) History(ctx context.Context, identity credential.Identity) ([]*credential.Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	records, err := fs.readLineage(identity)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.NotFoundError{Identity: string(identity)}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Version > records[j].Version
	})
	return records, nil
}

// ListActive returns the active record of every identity.
func (fs *FileStore) ListActive(ctx context.Context) ([]*credential.Record, error) {
	return fs.listByState(credential.StateActive)
}

// ListPrevious returns every previous-state record across identities.
func (fs *FileStore) ListPrevious(ctx context.Context) ([]*credential.Record, error) {
	return fs.listByState(credential.StatePrevious)
}

// ListNeedingRotation returns active records that are expired, expire
// within the horizon, or are overdue per their rotation interval.
func (fs *FileStore) ListNeedingRotation(ctx context.Context, kind credential.Kind, within time.Duration) ([]*credential.Record, error) {
	active, err := fs.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	now := fs.clock()
	var due []*credential.Record
	for _, rec := range active {
		if needsRotation(rec, kind, within, now) {
			due = append(due, rec)
		}
	}
	return due, nil
}

// CommitRotation installs newRec as active, demotes the current
// active to previous, and retires any older previous. All writes
// happen under the store mutex; the new active record is written last
// so a crash mid-commit never leaves two active generations.
func (fs *FileStore) CommitRotation(ctx context.Context, newRec *credential.Record, expectedPriorVersion int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	current, err := fs.findByState(newRec.Identity, credential.StateActive)
	if err != nil {
		return err
	}
	if err := validateRotation(current, newRec, expectedPriorVersion); err != nil {
		return err
	}

	if prev, err := fs.findByState(newRec.Identity, credential.StatePrevious); err != nil {
		return err
	} else if prev != nil {
		retired := prev.Clone()
		retired.State = credential.StateRetired
		if err := fs.writeRecord(retired); err != nil {
			return fmt.Errorf("failed to retire %s/v%d: %w", prev.Identity, prev.Version, err)
		}
	}

	if current != nil {
		now := fs.clock()
		demoted := current.Clone()
		demoted.State = credential.StatePrevious
		demoted.SupersededAt = &now
		if err := fs.writeRecord(demoted); err != nil {
			return fmt.Errorf("failed to demote %s/v%d: %w", current.Identity, current.Version, err)
		}
	}

	if err := fs.writeRecord(newRec.Clone()); err != nil {
		return fmt.Errorf("failed to write %s/v%d: %w", newRec.Identity, newRec.Version, err)
	}
	return nil
}

// CommitRollback promotes the previous record back to active through
// the transient rollback_target state and retires the current active.
func (fs *FileStore) CommitRollback(ctx context.Context, identity credential.Identity) (*credential.Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	current, err := fs.findByState(identity, credential.StateActive)
	if err != nil {
		return nil, err
	}
	prev, err := fs.findByState(identity, credential.StatePrevious)
	if err != nil {
		return nil, err
	}
	if current == nil && prev == nil {
		return nil, errors.NotFoundError{Identity: string(identity)}
	}
	if prev == nil {
		return nil, errors.NoPreviousCredentialError{Identity: string(identity)}
	}

	target := prev.Clone()
	if !target.State.CanTransitionTo(credential.StateRollbackTarget) {
		return nil, fmt.Errorf("record %s/v%d cannot become rollback target from %q", target.Identity, target.Version, target.State)
	}
	target.State = credential.StateRollbackTarget
	if err := fs.writeRecord(target); err != nil {
		return nil, fmt.Errorf("failed to stage rollback target %s/v%d: %w", target.Identity, target.Version, err)
	}

	if current != nil {
		now := fs.clock()
		retired := current.Clone()
		retired.State = credential.StateRetired
		retired.SupersededAt = &now
		if err := fs.writeRecord(retired); err != nil {
			return nil, fmt.Errorf("failed to retire %s/v%d: %w", current.Identity, current.Version, err)
		}
	}

	promoted := target.Clone()
	promoted.State = credential.StateActive
	promoted.SupersededAt = nil
	if err := fs.writeRecord(promoted); err != nil {
		return nil, fmt.Errorf("failed to promote %s/v%d: %w", promoted.Identity, promoted.Version, err)
	}
	return promoted, nil
}

// Retire moves one previous- or active-state record to retired,
// following the lifecycle transition table. Retiring the active
// record is the recovery path for a failed initial issuance.
func (fs *FileStore) Retire(ctx context.Context, identity credential.Identity, version int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, err := fs.readRecord(identity, version)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NotFoundError{Identity: string(identity)}
		}
		return err
	}
	if !rec.State.CanTransitionTo(credential.StateRetired) {
		return fmt.Errorf("cannot retire %s/v%d: record is %q", identity, version, rec.State)
	}

	retired := rec.Clone()
	retired.State = credential.StateRetired
	if retired.SupersededAt == nil {
		now := fs.clock()
		retired.SupersededAt = &now
	}
	return fs.writeRecord(retired)
}

func (fs *FileStore) identityDir(identity credential.Identity) string {
	return filepath.Join(fs.baseDir, sanitizeIdentity(identity))
}

func (fs *FileStore) recordPath(identity credential.Identity, version int64) string {
	return filepath.Join(fs.identityDir(identity), fmt.Sprintf("v%06d.json", version))
}

func (fs *FileStore) readRecord(identity credential.Identity, version int64) (*credential.Record, error) {
	data, err := os.ReadFile(fs.recordPath(identity, version))
	if err != nil {
		return nil, err
	}

	var rec credential.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s/v%d: %w", identity, version, err)
	}
	return &rec, nil
}

func (fs *FileStore) readLineage(identity credential.Identity) ([]*credential.Record, error) {
	dir := fs.identityDir(identity)
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read record directory: %w", err)
	}

	var records []*credential.Record
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			continue
		}
		var rec credential.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}

// findByState returns the identity's record in the given state, or
// nil when none exists.
func (fs *FileStore) findByState(identity credential.Identity, state credential.LifecycleState) (*credential.Record, error) {
	records, err := fs.readLineage(identity)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.State == state {
			return rec, nil
		}
	}
	return nil, nil
}

func (fs *FileStore) listByState(state credential.LifecycleState) ([]*credential.Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	dirs, err := os.ReadDir(fs.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	var out []*credential.Record
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		records, err := fs.readLineage(credential.Identity(dir.Name()))
		if err != nil {
			continue
		}
		for _, rec := range records {
			if rec.State == state {
				out = append(out, rec)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity < out[j].Identity
	})
	return out, nil
}

func (fs *FileStore) writeRecord(rec *credential.Record) error {
	dir := fs.identityDir(rec.Identity)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	final := fs.recordPath(rec.Identity, rec.Version)
	tmp, err := os.CreateTemp(dir, ".record-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to set record permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to install record file: %w", err)
	}
	return nil
}

// sanitizeIdentity replaces characters that might be problematic in
// directory names.
func sanitizeIdentity(identity credential.Identity) string {
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		":", "-",
		"*", "-",
		"?", "-",
		"\"", "-",
		"<", "-",
		">", "-",
		"|", "-",
		" ", "_",
	)
	return replacer.Replace(string(identity))
}
