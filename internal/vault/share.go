package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ShareRegistry holds the many-to-many access grants between files and
// grantee users. Grants are unique per (file, grantee); the only write
// operation is an idempotent full-replace of a file's grantee set, which
// sidesteps ordering bugs between concurrent incremental updates.
type ShareRegistry struct {
	metaDir string

	mu     sync.RWMutex
	grants map[uuid.UUID]map[string]bool // fileID -> grantee set
}

// NewShareRegistry opens the share registry rooted at dataDir, loading
// persisted grants.
func NewShareRegistry(dataDir string) (*ShareRegistry, error) {
	r := &ShareRegistry{
		metaDir: filepath.Join(dataDir, "meta", "shares"),
		grants:  make(map[uuid.UUID]map[string]bool),
	}
	if err := os.MkdirAll(r.metaDir, 0755); err != nil {
		return nil, fmt.Errorf("create shares dir: %w", err)
	}

	entries, err := os.ReadDir(r.metaDir)
	if err != nil {
		return nil, fmt.Errorf("read shares dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id, err := uuid.Parse(e.Name()[:len(e.Name())-len(".json")])
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.metaDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read share %s: %w", e.Name(), err)
		}
		var grantees []string
		if err := json.Unmarshal(data, &grantees); err != nil {
			return nil, fmt.Errorf("parse share %s: %w", e.Name(), err)
		}
		set := make(map[string]bool, len(grantees))
		for _, g := range grantees {
			set[g] = true
		}
		r.grants[id] = set
	}

	return r, nil
}

// SetShares replaces the full grantee set for a file. Missing grants are
// created, extras removed; calling it twice with the same set is a no-op.
// The file's owner is silently excluded — owners don't need grants to their
// own files.
func (r *ShareRegistry) SetShares(fileID uuid.UUID, ownerID string, granteeIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := make(map[string]bool, len(granteeIDs))
	for _, g := range granteeIDs {
		if g == "" || g == ownerID {
			continue
		}
		set[g] = true
	}

	if len(set) == 0 {
		delete(r.grants, fileID)
		if err := os.Remove(r.sharePath(fileID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove share meta: %w", err)
		}
		return nil
	}

	if err := r.saveLocked(fileID, set); err != nil {
		return err
	}
	r.grants[fileID] = set
	return nil
}

// HasGrant reports whether userID holds a grant on fileID.
func (r *ShareRegistry) HasGrant(fileID uuid.UUID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.grants[fileID][userID]
}

// ListSharees returns the sorted grantee set for a file.
func (r *ShareRegistry) ListSharees(fileID uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.grants[fileID]))
	for g := range r.grants[fileID] {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// ListSharedWith returns the ids of all files shared with userID.
func (r *ShareRegistry) ListSharedWith(userID string) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []uuid.UUID
	for fileID, set := range r.grants {
		if set[userID] {
			out = append(out, fileID)
		}
	}
	return out
}

// DropFile removes every grant on a file, called when the file is deleted.
func (r *ShareRegistry) DropFile(fileID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.grants, fileID)
	if err := os.Remove(r.sharePath(fileID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove share meta: %w", err)
	}
	return nil
}

func (r *ShareRegistry) sharePath(fileID uuid.UUID) string {
	return filepath.Join(r.metaDir, fileID.String()+".json")
}

// saveLocked persists a file's grantee set. Caller holds r.mu.
func (r *ShareRegistry) saveLocked(fileID uuid.UUID, set map[string]bool) error {
	grantees := make([]string, 0, len(set))
	for g := range set {
		grantees = append(grantees, g)
	}
	sort.Strings(grantees)

	data, err := json.MarshalIndent(grantees, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal share: %w", err)
	}
	if err := syncedWriteFile(r.sharePath(fileID), data, 0644); err != nil {
		return fmt.Errorf("write share: %w", err)
	}
	return nil
}
