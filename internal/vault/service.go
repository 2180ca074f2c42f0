package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/filevault/filevault/internal/logging/audit"
)

// FileEntry is a logical file visible to a user. Its id is independent of
// the content hash: rename and move never change either. Content is never
// mutated in place — an edit is a new blob and a new content hash.
type FileEntry struct {
	ID            uuid.UUID  `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Filename      string     `json:"filename"`
	DeclaredMime  string     `json:"declared_mime,omitempty"`
	FolderID      *uuid.UUID `json:"folder_id,omitempty"` // nil = root
	ContentHash   string     `json:"content_hash"`
	LogicalSize   int64      `json:"logical_size"`
	UploadedAt    time.Time  `json:"uploaded_at"`
	DownloadCount int64      `json:"download_count"`
}

// Service orchestrates the full lifecycle of logical files, composing the
// content-addressed store, the quota ledger, the folder tree and the share
// registry. It is the entry point external callers (CLI, NFS export, a
// transport layer) use.
//
// The service mutex serializes the metadata phase of every mutation, which
// keeps cross-component steps — folder check + entry insert, refcount
// release + attribution move + ledger credit — atomic with respect to each
// other. Byte streaming (staging, hashing, blob reads) happens outside it.
type Service struct {
	dataDir  string
	filesDir string

	cas    *CAS
	ledger *Ledger
	tree   *Tree
	shares *ShareRegistry

	auditLog *audit.Logger
	metrics  *Metrics
	tokens   *ShareTokenIssuer

	mu     sync.RWMutex
	files  map[uuid.UUID]*FileEntry
	byHash map[string]map[uuid.UUID]bool
}

// Open initializes the vault rooted at dataDir, loading all persisted
// state. Usage counters and blob refcounts are recomputed from the live
// file entries, so a crash between metadata writes heals on restart.
func Open(dataDir string, masterKey [32]byte, defaultQuotaBytes int64) (*Service, error) {
	cas, err := NewCAS(dataDir, masterKey)
	if err != nil {
		return nil, err
	}
	ledger, err := NewLedger(dataDir, defaultQuotaBytes)
	if err != nil {
		return nil, err
	}
	tree, err := NewTree(dataDir)
	if err != nil {
		return nil, err
	}
	shares, err := NewShareRegistry(dataDir)
	if err != nil {
		return nil, err
	}

	s := &Service{
		dataDir:  dataDir,
		filesDir: filepath.Join(dataDir, "meta", "files"),
		cas:      cas,
		ledger:   ledger,
		tree:     tree,
		shares:   shares,
		auditLog: audit.NewLogger(nil),
		files:    make(map[uuid.UUID]*FileEntry),
		byHash:   make(map[string]map[uuid.UUID]bool),
	}
	if err := os.MkdirAll(s.filesDir, 0755); err != nil {
		return nil, fmt.Errorf("create files dir: %w", err)
	}
	if err := s.loadFiles(); err != nil {
		return nil, err
	}
	if err := s.reconcile(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetAuditLogger installs the structured audit event sink. Events are
// fire-and-forget: they never block or fail a primary operation.
func (s *Service) SetAuditLogger(l *audit.Logger) {
	if l != nil {
		s.auditLog = l
	}
}

// SetMetrics installs Prometheus metrics collection.
func (s *Service) SetMetrics(m *Metrics) {
	s.metrics = m
	s.publishGauges()
}

// SetShareTokenIssuer installs the signed share URL issuer used by ShareInfo.
func (s *Service) SetShareTokenIssuer(t *ShareTokenIssuer) {
	s.tokens = t
}

// Ledger exposes the quota ledger for account registration and reporting.
func (s *Service) Ledger() *Ledger { return s.ledger }

// Tree exposes the folder tree for read-side consumers.
func (s *Service) Tree() *Tree { return s.tree }

func (s *Service) loadFiles() error {
	entries, err := os.ReadDir(s.filesDir)
	if err != nil {
		return fmt.Errorf("read files dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.filesDir, e.Name()))
		if err != nil {
			return fmt.Errorf("read file meta %s: %w", e.Name(), err)
		}
		var f FileEntry
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parse file meta %s: %w", e.Name(), err)
		}
		s.files[f.ID] = &f
		s.indexHash(&f)
	}
	return nil
}

// reconcile recomputes blob refcounts and ledger usage from the live file
// entries. Persisted counters are authoritative only until the next load;
// deriving them from the entries heals partial writes.
func (s *Service) reconcile() error {
	refs := make(map[string]int, len(s.byHash))
	logical := make(map[string]int64)
	for _, f := range s.files {
		refs[f.ContentHash]++
		logical[f.OwnerID] += f.LogicalSize
	}

	s.cas.mu.Lock()
	physical := make(map[string]int64)
	for hash, b := range s.cas.blobs {
		n := refs[hash]
		if n == 0 {
			// Orphaned blob: its last reference vanished without release.
			log.Warn().Str("hash", hash).Msg("removing orphaned blob")
			delete(s.cas.blobs, hash)
			_ = os.Remove(s.cas.blobMetaPath(hash))
			if p, err := s.cas.blobPath(hash); err == nil {
				_ = os.Remove(p)
			}
			continue
		}
		if b.RefCount != n {
			b.RefCount = n
			if err := s.cas.saveBlobLocked(b); err != nil {
				s.cas.mu.Unlock()
				return err
			}
		}
		physical[b.AttributedOwner] += b.SizeBytes
	}
	s.cas.mu.Unlock()

	s.ledger.mu.Lock()
	for _, a := range s.ledger.accounts {
		lb, pb := logical[a.UserID], physical[a.UserID]
		if a.LogicalBytes != lb || a.PhysicalBytes != pb {
			a.LogicalBytes = lb
			a.PhysicalBytes = pb
			if err := s.ledger.saveLocked(a); err != nil {
				s.ledger.mu.Unlock()
				return err
			}
		}
	}
	s.ledger.mu.Unlock()
	return nil
}

func (s *Service) indexHash(f *FileEntry) {
	set, ok := s.byHash[f.ContentHash]
	if !ok {
		set = make(map[uuid.UUID]bool)
		s.byHash[f.ContentHash] = set
	}
	set[f.ID] = true
}

func (s *Service) unindexHash(f *FileEntry) {
	set := s.byHash[f.ContentHash]
	delete(set, f.ID)
	if len(set) == 0 {
		delete(s.byHash, f.ContentHash)
	}
}

// validateFilename rejects names that could traverse the metadata
// directory or confuse listings.
func validateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("filename cannot be empty")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("null bytes not allowed")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid filename")
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("path separators not allowed in filename")
	}
	return nil
}

// Upload stores a new logical file for ownerID under folderID (nil = root).
//
// The byte stream is staged and hashed first, outside any lock. Quota is
// then reserved, the staged content committed into the blob store (a dedup
// hit costs no physical write), the entry created and the reservation
// committed — all-or-nothing: any failure after the reservation rolls it
// back, and a quota failure happens before any physical write to the
// committed store.
func (s *Service) Upload(ctx context.Context, ownerID, filename string, r io.Reader, declaredMime string, folderID *uuid.UUID) (*FileEntry, error) {
	start := time.Now()
	if err := validateFilename(filename); err != nil {
		return nil, err
	}

	// Fail fast on a bad target folder before consuming the stream.
	if folderID != nil {
		folder, err := s.tree.Get(*folderID)
		if err != nil {
			return nil, fmt.Errorf("target folder: %w", ErrNotFound)
		}
		if folder.OwnerID != ownerID {
			return nil, fmt.Errorf("target folder: %w", ErrForbidden)
		}
	}

	staged, err := s.cas.Stage(ctx, r)
	if err != nil {
		return nil, err
	}
	defer staged.Discard()

	declaredMime = s.sniffMime(staged, declaredMime)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check the folder under the lock: a concurrent folder delete must
	// not leave this entry orphaned.
	if folderID != nil {
		folder, err := s.tree.Get(*folderID)
		if err != nil || folder.OwnerID != ownerID {
			return nil, fmt.Errorf("target folder: %w", ErrNotFound)
		}
	}

	res, err := s.ledger.CheckAndReserve(ownerID, staged.Size())
	if err != nil {
		s.auditLog.LogQuotaEvent(ownerID, "denied", staged.Size())
		return nil, err
	}

	blob, wasNew, err := s.cas.Put(ctx, staged, ownerID)
	if err != nil {
		s.ledger.Cancel(res)
		return nil, err
	}

	f := &FileEntry{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		Filename:     filename,
		DeclaredMime: declaredMime,
		FolderID:     folderID,
		ContentHash:  blob.ContentHash,
		LogicalSize:  blob.SizeBytes,
		UploadedAt:   time.Now().UTC(),
	}
	if err := s.saveFile(f); err != nil {
		if _, rerr := s.cas.Release(blob.ContentHash); rerr != nil {
			log.Error().Err(rerr).Str("hash", blob.ContentHash).Msg("rollback release failed")
		}
		s.ledger.Cancel(res)
		return nil, err
	}
	s.files[f.ID] = f
	s.indexHash(f)

	if err := s.ledger.Commit(res, wasNew, blob.SizeBytes); err != nil {
		return nil, err
	}

	s.auditLog.LogFileOp(ownerID, "upload", f.ID.String(), "ok", filename)
	if s.metrics != nil {
		s.metrics.UploadsTotal.Inc()
		s.metrics.BytesUploaded.Add(float64(blob.SizeBytes))
		if !wasNew {
			s.metrics.DedupHitsTotal.Inc()
		}
		s.metrics.OpDuration.WithLabelValues("upload").Observe(time.Since(start).Seconds())
	}
	s.publishGaugesLocked()

	return f.clone(), nil
}

// sniffMime falls back to content sniffing when the declared MIME is empty
// or the generic octet-stream.
func (s *Service) sniffMime(staged *Staged, declared string) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	rc, err := staged.Open()
	if err != nil {
		return declared
	}
	defer func() { _ = rc.Close() }()
	mt, err := mimetype.DetectReader(rc)
	if err != nil {
		return declared
	}
	return mt.String()
}

// Get returns a file entry when the requester is its owner or holds a grant.
func (s *Service) Get(fileID uuid.UUID, requesterID string) (*FileEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}
	if f.OwnerID != requesterID && !s.shares.HasGrant(fileID, requesterID) {
		return nil, fmt.Errorf("file %s: %w", fileID, ErrForbidden)
	}
	return f.clone(), nil
}

// Rename changes a file's name. Owner only.
func (s *Service) Rename(fileID uuid.UUID, requesterID, newName string) (*FileEntry, error) {
	if err := validateFilename(newName); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.ownedFileLocked(fileID, requesterID)
	if err != nil {
		return nil, err
	}
	prev := f.Filename
	f.Filename = newName
	if err := s.saveFile(f); err != nil {
		f.Filename = prev
		return nil, err
	}

	s.auditLog.LogFileOp(requesterID, "rename", fileID.String(), "ok", prev+" -> "+newName)
	return f.clone(), nil
}

// Move reparents a file into newFolderID (nil = root). Owner only; the
// target folder must belong to the requester.
func (s *Service) Move(fileID uuid.UUID, requesterID string, newFolderID *uuid.UUID) (*FileEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.ownedFileLocked(fileID, requesterID)
	if err != nil {
		return nil, err
	}
	if newFolderID != nil {
		folder, terr := s.tree.Get(*newFolderID)
		if terr != nil || folder.OwnerID != requesterID {
			return nil, fmt.Errorf("target folder %s: %w", newFolderID, ErrInvalidParent)
		}
	}

	prev := f.FolderID
	f.FolderID = newFolderID
	if err := s.saveFile(f); err != nil {
		f.FolderID = prev
		return nil, err
	}

	s.auditLog.LogFileOp(requesterID, "move", fileID.String(), "ok", "")
	return f.clone(), nil
}

// Delete removes a file entry, releases its blob reference (physically
// deleting the blob at refcount zero), credits the quota ledger and drops
// any share grants. Owner only.
func (s *Service) Delete(fileID uuid.UUID, requesterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.ownedFileLocked(fileID, requesterID)
	if err != nil {
		return err
	}
	if err := s.deleteEntryLocked(f); err != nil {
		return err
	}

	s.auditLog.LogFileOp(requesterID, "delete", fileID.String(), "ok", f.Filename)
	if s.metrics != nil {
		s.metrics.DeletesTotal.Inc()
	}
	s.publishGaugesLocked()
	return nil
}

// deleteEntryLocked removes one entry and settles refcount, attribution and
// ledger. Caller holds s.mu.
//
// Attribution policy: each blob has one attributed owner who bears its
// physical cost. When the attributed owner loses their last reference while
// other references remain, attribution moves to the owner of the earliest
// remaining entry — otherwise global physical accounting would undercount.
func (s *Service) deleteEntryLocked(f *FileEntry) error {
	blob, err := s.cas.Get(f.ContentHash)
	if err != nil {
		return err
	}

	delete(s.files, f.ID)
	s.unindexHash(f)
	if err := os.Remove(s.filePath(f.ID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file meta: %w", err)
	}
	if err := s.shares.DropFile(f.ID); err != nil {
		return err
	}

	wasLast, err := s.cas.Release(f.ContentHash)
	if err != nil {
		return err
	}

	creditPhysical := wasLast && blob.AttributedOwner == f.OwnerID
	if wasLast && blob.AttributedOwner != f.OwnerID {
		// Defensive: attribution should always track a live referencer.
		if rerr := s.ledger.Release(blob.AttributedOwner, 0, true, blob.SizeBytes); rerr != nil {
			return rerr
		}
	}
	if err := s.ledger.Release(f.OwnerID, f.LogicalSize, creditPhysical, blob.SizeBytes); err != nil {
		return err
	}

	if !wasLast && blob.AttributedOwner == f.OwnerID && !s.ownerStillReferencesLocked(f.OwnerID, f.ContentHash) {
		next := s.earliestReferencerLocked(f.ContentHash)
		if next != "" && next != f.OwnerID {
			if err := s.cas.SetAttributedOwner(f.ContentHash, next); err != nil {
				return err
			}
			if err := s.ledger.Reattribute(f.OwnerID, next, blob.SizeBytes); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) ownerStillReferencesLocked(ownerID, contentHash string) bool {
	for id := range s.byHash[contentHash] {
		if f, ok := s.files[id]; ok && f.OwnerID == ownerID {
			return true
		}
	}
	return false
}

// earliestReferencerLocked returns the owner of the oldest remaining entry
// for a hash, ties broken by entry id for determinism.
func (s *Service) earliestReferencerLocked(contentHash string) string {
	var best *FileEntry
	for id := range s.byHash[contentHash] {
		f, ok := s.files[id]
		if !ok {
			continue
		}
		if best == nil || f.UploadedAt.Before(best.UploadedAt) ||
			(f.UploadedAt.Equal(best.UploadedAt) && f.ID.String() < best.ID.String()) {
			best = f
		}
	}
	if best == nil {
		return ""
	}
	return best.OwnerID
}

// Download opens the file content for the requester, who must be the owner
// or hold a share grant. The download count is incremented.
func (s *Service) Download(ctx context.Context, fileID uuid.UUID, requesterID string) (io.ReadCloser, *FileEntry, error) {
	s.mu.Lock()
	f, ok := s.files[fileID]
	if !ok {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}
	if f.OwnerID != requesterID && !s.shares.HasGrant(fileID, requesterID) {
		s.mu.Unlock()
		s.auditLog.LogFileOp(requesterID, "download", fileID.String(), "denied", "no grant")
		return nil, nil, fmt.Errorf("file %s: %w", fileID, ErrForbidden)
	}
	f.DownloadCount++
	if err := s.saveFile(f); err != nil {
		f.DownloadCount--
		s.mu.Unlock()
		return nil, nil, err
	}
	entry := f.clone()
	s.mu.Unlock()

	rc, err := s.cas.Open(ctx, entry.ContentHash)
	if err != nil {
		return nil, nil, err
	}

	s.auditLog.LogFileOp(requesterID, "download", fileID.String(), "ok", entry.Filename)
	if s.metrics != nil {
		s.metrics.DownloadsTotal.Inc()
		s.metrics.BytesDownloaded.Add(float64(entry.LogicalSize))
	}
	return rc, entry, nil
}

// OpenContent opens the file content without counting it as a download.
// The NFS export uses this so that browsing a mounted vault does not
// inflate download counters.
func (s *Service) OpenContent(ctx context.Context, fileID uuid.UUID, requesterID string) (io.ReadCloser, *FileEntry, error) {
	s.mu.RLock()
	f, ok := s.files[fileID]
	if !ok {
		s.mu.RUnlock()
		return nil, nil, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}
	if f.OwnerID != requesterID && !s.shares.HasGrant(fileID, requesterID) {
		s.mu.RUnlock()
		return nil, nil, fmt.Errorf("file %s: %w", fileID, ErrForbidden)
	}
	entry := f.clone()
	s.mu.RUnlock()

	rc, err := s.cas.Open(ctx, entry.ContentHash)
	if err != nil {
		return nil, nil, err
	}
	return rc, entry, nil
}

// ListVisible returns the union of the requester's own files and files
// shared with them, each row flagged with user_owns_file.
func (s *Service) ListVisible(requesterID string, opts ListOptions) ListResult {
	s.mu.RLock()
	items := make([]ContentItem, 0, 32)
	for _, f := range s.files {
		if f.OwnerID == requesterID {
			items = append(items, s.fileItem(f, true))
		}
	}
	for _, fileID := range s.shares.ListSharedWith(requesterID) {
		if f, ok := s.files[fileID]; ok {
			items = append(items, s.fileItem(f, false))
		}
	}
	s.mu.RUnlock()

	return applyListing(items, opts)
}

// ListFolder lists the contents of one folder (nil = root): subfolders and
// files, filtered, sorted and paginated. At the root, files shared with the
// requester appear alongside their own, the way the dashboard shows them.
func (s *Service) ListFolder(requesterID string, folderID *uuid.UUID, opts ListOptions) (ListResult, error) {
	if folderID != nil {
		folder, err := s.tree.Get(*folderID)
		if err != nil {
			return ListResult{}, err
		}
		if folder.OwnerID != requesterID {
			return ListResult{}, fmt.Errorf("folder %s: %w", folderID, ErrForbidden)
		}
	}

	s.mu.RLock()
	items := make([]ContentItem, 0, 32)
	for _, folder := range s.tree.Children(requesterID, folderID) {
		items = append(items, ContentItem{
			ID:           folder.ID,
			ItemType:     ItemTypeFolder,
			Name:         folder.Name,
			UploadedAt:   folder.CreatedAt,
			UserOwnsFile: true,
		})
	}
	for _, f := range s.files {
		if f.OwnerID == requesterID && sameParent(f.FolderID, folderID) {
			items = append(items, s.fileItem(f, true))
		}
	}
	if folderID == nil {
		for _, fileID := range s.shares.ListSharedWith(requesterID) {
			if f, ok := s.files[fileID]; ok {
				items = append(items, s.fileItem(f, false))
			}
		}
	}
	s.mu.RUnlock()

	return applyListing(items, opts), nil
}

func (s *Service) fileItem(f *FileEntry, owned bool) ContentItem {
	size := f.LogicalSize
	dc := f.DownloadCount
	item := ContentItem{
		ID:           f.ID,
		ItemType:     ItemTypeFile,
		Name:         f.Filename,
		Size:         &size,
		UploadedAt:   f.UploadedAt,
		UserOwnsFile: owned,
		DownloadCount: func() *int64 {
			if owned {
				return &dc
			}
			return nil
		}(),
	}
	if f.DeclaredMime != "" {
		ct := f.DeclaredMime
		item.ContentType = &ct
	}
	return item
}

// CreateFolder makes a folder for ownerID under parentID (nil = root).
func (s *Service) CreateFolder(ownerID, name string, parentID *uuid.UUID) (*Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.tree.Create(ownerID, name, parentID)
	if err != nil {
		return nil, err
	}
	s.auditLog.LogFileOp(ownerID, "folder_create", f.ID.String(), "ok", name)
	return f, nil
}

// RenameFolder renames a folder. Owner only.
func (s *Service) RenameFolder(folderID uuid.UUID, requesterID, newName string) (*Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ownedFolderLocked(folderID, requesterID); err != nil {
		return nil, err
	}
	f, err := s.tree.Rename(folderID, newName)
	if err != nil {
		return nil, err
	}
	s.auditLog.LogFileOp(requesterID, "folder_rename", folderID.String(), "ok", newName)
	return f, nil
}

// MoveFolder reparents a folder. Owner only; cycle-checked.
func (s *Service) MoveFolder(folderID uuid.UUID, requesterID string, newParentID *uuid.UUID) (*Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ownedFolderLocked(folderID, requesterID); err != nil {
		return nil, err
	}
	f, err := s.tree.Move(folderID, newParentID)
	if err != nil {
		return nil, err
	}
	s.auditLog.LogFileOp(requesterID, "folder_move", folderID.String(), "ok", "")
	return f, nil
}

// DeleteFolder recursively deletes a folder: every descendant folder and
// file entry goes, bottom-up, releasing each file's blob reference through
// the same path as a single delete — a folder delete can never leave an
// orphaned refcount.
func (s *Service) DeleteFolder(folderID uuid.UUID, requesterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ownedFolderLocked(folderID, requesterID); err != nil {
		return err
	}

	doomed := append([]*Folder{}, s.tree.Descendants(folderID)...)
	target, err := s.tree.Get(folderID)
	if err != nil {
		return err
	}
	doomed = append(doomed, target)

	// Deepest folders come last from Descendants; delete in reverse so
	// children always go before their parents.
	for i := len(doomed) - 1; i >= 0; i-- {
		fid := doomed[i].ID
		for _, f := range s.filesInFolderLocked(fid) {
			if err := s.deleteEntryLocked(f); err != nil {
				return err
			}
		}
		if err := s.tree.Delete(fid); err != nil {
			return err
		}
	}

	s.auditLog.LogFileOp(requesterID, "folder_delete", folderID.String(), "ok", target.Name)
	s.publishGaugesLocked()
	return nil
}

func (s *Service) filesInFolderLocked(folderID uuid.UUID) []*FileEntry {
	var out []*FileEntry
	for _, f := range s.files {
		if f.FolderID != nil && *f.FolderID == folderID {
			out = append(out, f)
		}
	}
	return out
}

// SetShares replaces the set of users a file is shared with. Owner only;
// every grantee must be a known account. Calling twice with the same set is
// a no-op.
func (s *Service) SetShares(fileID uuid.UUID, ownerID string, granteeIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ownedFileLocked(fileID, ownerID); err != nil {
		return err
	}
	for _, g := range granteeIDs {
		if g == ownerID {
			continue
		}
		if _, err := s.ledger.Get(g); err != nil {
			return fmt.Errorf("grantee %s: %w", g, ErrNotFound)
		}
	}
	if err := s.shares.SetShares(fileID, ownerID, granteeIDs); err != nil {
		return err
	}

	s.auditLog.LogShareChange(ownerID, fileID.String(), len(granteeIDs))
	return nil
}

// ShareInfo describes a file's sharing state: current grantees, the other
// accounts it could be shared with, and a signed share URL.
type ShareInfo struct {
	ShareURL   string     `json:"share_url,omitempty"`
	SharedWith []*Account `json:"shared_with"`
	AllUsers   []*Account `json:"all_users"`
}

// GetShareInfo returns the sharing state of a file. Owner only.
func (s *Service) GetShareInfo(fileID uuid.UUID, requesterID string) (*ShareInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.ownedFileLocked(fileID, requesterID); err != nil {
		return nil, err
	}

	info := &ShareInfo{}
	for _, g := range s.shares.ListSharees(fileID) {
		if a, err := s.ledger.Get(g); err == nil {
			info.SharedWith = append(info.SharedWith, a)
		}
	}
	for _, a := range s.ledger.List() {
		if a.UserID != requesterID {
			info.AllUsers = append(info.AllUsers, a)
		}
	}
	sort.Slice(info.AllUsers, func(i, j int) bool { return info.AllUsers[i].UserID < info.AllUsers[j].UserID })

	if s.tokens != nil {
		url, err := s.tokens.ShareURL(fileID)
		if err != nil {
			return nil, err
		}
		info.ShareURL = url
	}
	return info, nil
}

// FileCount returns the number of live file entries.
func (s *Service) FileCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

func (s *Service) ownedFileLocked(fileID uuid.UUID, requesterID string) (*FileEntry, error) {
	f, ok := s.files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}
	if f.OwnerID != requesterID {
		return nil, fmt.Errorf("file %s: %w", fileID, ErrForbidden)
	}
	return f, nil
}

func (s *Service) ownedFolderLocked(folderID uuid.UUID, requesterID string) error {
	folder, err := s.tree.Get(folderID)
	if err != nil {
		return err
	}
	if folder.OwnerID != requesterID {
		return fmt.Errorf("folder %s: %w", folderID, ErrForbidden)
	}
	return nil
}

func (f *FileEntry) clone() *FileEntry {
	cp := *f
	if f.FolderID != nil {
		fid := *f.FolderID
		cp.FolderID = &fid
	}
	return &cp
}

func (s *Service) filePath(id uuid.UUID) string {
	return filepath.Join(s.filesDir, id.String()+".json")
}

func (s *Service) saveFile(f *FileEntry) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal file meta: %w", err)
	}
	if err := syncedWriteFile(s.filePath(f.ID), data, 0644); err != nil {
		return fmt.Errorf("write file meta: %w", err)
	}
	return nil
}

func (s *Service) publishGauges() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.publishGaugesLocked()
}

// publishGaugesLocked refreshes storage gauges. Caller holds s.mu.
func (s *Service) publishGaugesLocked() {
	if s.metrics == nil {
		return
	}
	logical := s.ledger.TotalLogicalBytes()
	physical := s.cas.TotalPhysicalBytes()
	s.metrics.FilesTotal.Set(float64(len(s.files)))
	s.metrics.BlobsTotal.Set(float64(s.cas.BlobCount()))
	s.metrics.LogicalBytes.Set(float64(logical))
	s.metrics.PhysicalBytes.Set(float64(physical))
	s.metrics.SavingsBytes.Set(float64(logical - physical))
}
