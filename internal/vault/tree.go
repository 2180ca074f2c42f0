package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Folder is a node in a user's folder hierarchy. A nil ParentID means the
// folder sits at the root; the root itself has no Folder record.
type Folder struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	OwnerID   string     `json:"owner_id"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Tree maintains the folder hierarchy for all users and keeps it acyclic:
// a folder can never become its own ancestor. All mutations are serialized
// under one mutex, so the ancestor-walk cycle check and the move that
// depends on it are a single atomic step.
type Tree struct {
	metaDir string

	mu      sync.RWMutex
	folders map[uuid.UUID]*Folder
}

// NewTree opens the folder tree rooted at dataDir, loading persisted
// folder records.
func NewTree(dataDir string) (*Tree, error) {
	t := &Tree{
		metaDir: filepath.Join(dataDir, "meta", "folders"),
		folders: make(map[uuid.UUID]*Folder),
	}
	if err := os.MkdirAll(t.metaDir, 0755); err != nil {
		return nil, fmt.Errorf("create folders dir: %w", err)
	}

	entries, err := os.ReadDir(t.metaDir)
	if err != nil {
		return nil, fmt.Errorf("read folders dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(t.metaDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read folder %s: %w", e.Name(), err)
		}
		var f Folder
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse folder %s: %w", e.Name(), err)
		}
		t.folders[f.ID] = &f
	}

	return t, nil
}

// Create makes a new folder under parentID (nil = root). The parent must
// exist and belong to the same owner.
func (t *Tree) Create(ownerID, name string, parentID *uuid.UUID) (*Folder, error) {
	if name == "" {
		return nil, fmt.Errorf("folder name empty: %w", ErrInvalidParent)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if parentID != nil {
		parent, ok := t.folders[*parentID]
		if !ok || parent.OwnerID != ownerID {
			return nil, fmt.Errorf("parent folder %s: %w", parentID, ErrInvalidParent)
		}
	}

	f := &Folder{
		ID:        uuid.New(),
		Name:      name,
		OwnerID:   ownerID,
		ParentID:  parentID,
		CreatedAt: time.Now().UTC(),
	}
	if err := t.saveLocked(f); err != nil {
		return nil, err
	}
	t.folders[f.ID] = f
	return f.clone(), nil
}

// Get returns a folder by id.
func (t *Tree) Get(folderID uuid.UUID) (*Folder, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	f, ok := t.folders[folderID]
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", folderID, ErrNotFound)
	}
	return f.clone(), nil
}

// Rename changes a folder's name.
func (t *Tree) Rename(folderID uuid.UUID, newName string) (*Folder, error) {
	if newName == "" {
		return nil, fmt.Errorf("folder name empty: %w", ErrInvalidParent)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.folders[folderID]
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", folderID, ErrNotFound)
	}
	prev := f.Name
	f.Name = newName
	if err := t.saveLocked(f); err != nil {
		f.Name = prev
		return nil, err
	}
	return f.clone(), nil
}

// Move reparents a folder. The new parent must exist (nil = root), belong
// to the same owner, and must not be the folder itself or any of its
// descendants — that would create a cycle. The ancestor walk and the update
// happen under one lock, so concurrent moves cannot race a cycle into the
// tree.
func (t *Tree) Move(folderID uuid.UUID, newParentID *uuid.UUID) (*Folder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.folders[folderID]
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", folderID, ErrNotFound)
	}

	if newParentID != nil {
		parent, ok := t.folders[*newParentID]
		if !ok || parent.OwnerID != f.OwnerID {
			return nil, fmt.Errorf("parent folder %s: %w", newParentID, ErrInvalidParent)
		}
		if *newParentID == folderID || t.isDescendantLocked(*newParentID, folderID) {
			return nil, fmt.Errorf("folder %s into %s: %w", folderID, newParentID, ErrCycle)
		}
	}

	prev := f.ParentID
	f.ParentID = newParentID
	if err := t.saveLocked(f); err != nil {
		f.ParentID = prev
		return nil, err
	}
	return f.clone(), nil
}

// isDescendantLocked reports whether candidate sits somewhere below
// ancestor. The walk is iterative with a visited bound, never recursive, so
// pathological depth (or a corrupted parent chain) cannot blow the stack or
// loop forever. Caller holds t.mu.
func (t *Tree) isDescendantLocked(candidate, ancestor uuid.UUID) bool {
	visited := make(map[uuid.UUID]bool, 16)
	cur := candidate
	for {
		f, ok := t.folders[cur]
		if !ok || f.ParentID == nil {
			return false
		}
		if *f.ParentID == ancestor {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		cur = *f.ParentID
	}
}

// Children returns the immediate subfolders of parentID (nil = root) owned
// by ownerID.
func (t *Tree) Children(ownerID string, parentID *uuid.UUID) []*Folder {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Folder
	for _, f := range t.folders {
		if f.OwnerID != ownerID {
			continue
		}
		if sameParent(f.ParentID, parentID) {
			out = append(out, f.clone())
		}
	}
	return out
}

// Descendants returns every folder below folderID, deepest last. The
// caller deletes file entries per folder bottom-up by walking the result in
// reverse.
func (t *Tree) Descendants(folderID uuid.UUID) []*Folder {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Folder
	frontier := []uuid.UUID{folderID}
	for len(frontier) > 0 {
		next := frontier[:0:0]
		for _, id := range frontier {
			for _, f := range t.folders {
				if f.ParentID != nil && *f.ParentID == id {
					out = append(out, f.clone())
					next = append(next, f.ID)
				}
			}
		}
		frontier = next
	}
	return out
}

// Delete removes a single folder record. Cascading (descendant folders and
// contained file entries) is orchestrated by the service so blob refcounts
// are released for every file; Delete itself refuses nothing.
func (t *Tree) Delete(folderID uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.folders[folderID]; !ok {
		return fmt.Errorf("folder %s: %w", folderID, ErrNotFound)
	}
	delete(t.folders, folderID)
	if err := os.Remove(t.folderPath(folderID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove folder meta: %w", err)
	}
	return nil
}

// Depth returns the number of hops from folderID up to the root. Used by
// tests to verify the acyclicity invariant after moves.
func (t *Tree) Depth(folderID uuid.UUID) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	depth := 0
	cur := folderID
	for {
		f, ok := t.folders[cur]
		if !ok {
			return 0, fmt.Errorf("folder %s: %w", cur, ErrNotFound)
		}
		if f.ParentID == nil {
			return depth, nil
		}
		depth++
		if depth > len(t.folders) {
			return 0, fmt.Errorf("folder %s parent chain: %w", folderID, ErrCycle)
		}
		cur = *f.ParentID
	}
}

func sameParent(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (f *Folder) clone() *Folder {
	cp := *f
	if f.ParentID != nil {
		pid := *f.ParentID
		cp.ParentID = &pid
	}
	return &cp
}

func (t *Tree) folderPath(id uuid.UUID) string {
	return filepath.Join(t.metaDir, id.String()+".json")
}

// saveLocked persists a folder record. Caller holds t.mu.
func (t *Tree) saveLocked(f *Folder) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal folder: %w", err)
	}
	if err := syncedWriteFile(t.folderPath(f.ID), data, 0644); err != nil {
		return fmt.Errorf("write folder: %w", err)
	}
	return nil
}
