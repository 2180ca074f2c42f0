package nfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"

	"github.com/filevault/filevault/internal/vault"
)

var errReadOnly = errors.New("filesystem is read-only")

// VaultFilesystem exposes one user's folder tree as a read-only
// billy.Filesystem so it can be served over NFS. Folders map to
// directories and file entries to regular files; all mutating
// operations fail with errReadOnly.
type VaultFilesystem struct {
	svc    *vault.Service
	userID string
}

// NewVaultFilesystem creates a filesystem view over svc rooted at
// userID's vault root.
func NewVaultFilesystem(svc *vault.Service, userID string) *VaultFilesystem {
	return &VaultFilesystem{svc: svc, userID: userID}
}

// node is a resolved path: either a directory (folderID, nil for the
// root) or a file entry.
type node struct {
	name     string
	isDir    bool
	folderID *uuid.UUID
	fileID   uuid.UUID
	size     int64
	modTime  time.Time
}

func splitPath(p string) []string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// resolve walks the folder tree segment by segment. The last segment
// may name either a folder or a file.
func (fs *VaultFilesystem) resolve(p string) (*node, error) {
	segments := splitPath(p)
	if len(segments) == 0 {
		return &node{name: "/", isDir: true}, nil
	}

	var parentID *uuid.UUID
	for i, seg := range segments {
		last := i == len(segments)-1

		var folder *vault.Folder
		for _, f := range fs.svc.Tree().Children(fs.userID, parentID) {
			if f.Name == seg {
				folder = f
				break
			}
		}
		if folder != nil {
			id := folder.ID
			if last {
				return &node{name: seg, isDir: true, folderID: &id, modTime: folder.CreatedAt}, nil
			}
			parentID = &id
			continue
		}

		if !last {
			return nil, os.ErrNotExist
		}

		res, err := fs.svc.ListFolder(fs.userID, parentID, vault.ListOptions{Ownership: vault.OwnershipOwned})
		if err != nil {
			return nil, err
		}
		for _, it := range res.Items {
			if it.ItemType == vault.ItemTypeFile && it.Name == seg {
				var size int64
				if it.Size != nil {
					size = *it.Size
				}
				return &node{name: seg, fileID: it.ID, size: size, modTime: it.UploadedAt}, nil
			}
		}
		return nil, os.ErrNotExist
	}
	return nil, os.ErrNotExist
}

// Open opens a file for reading.
func (fs *VaultFilesystem) Open(filename string) (billy.File, error) {
	return fs.OpenFile(filename, os.O_RDONLY, 0)
}

// OpenFile opens a file with the given flags. Any write flag is refused.
func (fs *VaultFilesystem) OpenFile(filename string, flag int, _ os.FileMode) (billy.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, errReadOnly
	}
	n, err := fs.resolve(filename)
	if err != nil {
		return nil, err
	}
	if n.isDir {
		return nil, fmt.Errorf("%s is a directory", filename)
	}
	return &vaultFile{fs: fs, node: n}, nil
}

// Create is not supported on a read-only filesystem.
func (fs *VaultFilesystem) Create(string) (billy.File, error) {
	return nil, errReadOnly
}

// Stat returns file or directory info for the path.
func (fs *VaultFilesystem) Stat(filename string) (os.FileInfo, error) {
	n, err := fs.resolve(filename)
	if err != nil {
		return nil, err
	}
	return &vaultFileInfo{node: n}, nil
}

// Lstat is identical to Stat; the vault has no symlinks.
func (fs *VaultFilesystem) Lstat(filename string) (os.FileInfo, error) {
	return fs.Stat(filename)
}

// ReadDir lists the entries of a directory.
func (fs *VaultFilesystem) ReadDir(p string) ([]os.FileInfo, error) {
	n, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	if !n.isDir {
		return nil, fmt.Errorf("%s is not a directory", p)
	}

	res, err := fs.svc.ListFolder(fs.userID, n.folderID, vault.ListOptions{Ownership: vault.OwnershipOwned})
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(res.Items))
	for _, it := range res.Items {
		child := &node{name: it.Name, modTime: it.UploadedAt}
		if it.ItemType == vault.ItemTypeFolder {
			id := it.ID
			child.isDir = true
			child.folderID = &id
		} else {
			child.fileID = it.ID
			if it.Size != nil {
				child.size = *it.Size
			}
		}
		infos = append(infos, &vaultFileInfo{node: child})
	}
	return infos, nil
}

// Rename is not supported on a read-only filesystem.
func (fs *VaultFilesystem) Rename(string, string) error { return errReadOnly }

// Remove is not supported on a read-only filesystem.
func (fs *VaultFilesystem) Remove(string) error { return errReadOnly }

// MkdirAll is not supported on a read-only filesystem.
func (fs *VaultFilesystem) MkdirAll(string, os.FileMode) error { return errReadOnly }

// TempFile is not supported on a read-only filesystem.
func (fs *VaultFilesystem) TempFile(string, string) (billy.File, error) {
	return nil, errReadOnly
}

// Symlink is not supported.
func (fs *VaultFilesystem) Symlink(string, string) error { return errReadOnly }

// Readlink is not supported; the vault has no symlinks.
func (fs *VaultFilesystem) Readlink(string) (string, error) {
	return "", errors.New("symlinks not supported")
}

// Join joins path elements with forward slashes.
func (fs *VaultFilesystem) Join(elem ...string) string {
	return path.Join(elem...)
}

// Chroot is not supported.
func (fs *VaultFilesystem) Chroot(string) (billy.Filesystem, error) {
	return nil, errors.New("chroot not supported")
}

// Root returns the root path of the filesystem.
func (fs *VaultFilesystem) Root() string { return "/" }

// vaultFile is a read-only billy.File over one file entry. Content is
// fetched lazily on first read and held for the life of the handle.
type vaultFile struct {
	fs   *VaultFilesystem
	node *node

	mu     sync.Mutex
	reader *bytes.Reader
	closed bool
}

func (f *vaultFile) load() (*bytes.Reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, os.ErrClosed
	}
	if f.reader != nil {
		return f.reader, nil
	}
	rc, _, err := f.fs.svc.OpenContent(context.Background(), f.node.fileID, f.fs.userID)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	f.reader = bytes.NewReader(data)
	return f.reader, nil
}

func (f *vaultFile) Name() string { return f.node.name }

func (f *vaultFile) Read(p []byte) (int, error) {
	r, err := f.load()
	if err != nil {
		return 0, err
	}
	return r.Read(p)
}

func (f *vaultFile) ReadAt(p []byte, off int64) (int, error) {
	r, err := f.load()
	if err != nil {
		return 0, err
	}
	return r.ReadAt(p, off)
}

func (f *vaultFile) Seek(offset int64, whence int) (int64, error) {
	r, err := f.load()
	if err != nil {
		return 0, err
	}
	return r.Seek(offset, whence)
}

func (f *vaultFile) Write([]byte) (int, error) { return 0, errReadOnly }

func (f *vaultFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reader = nil
	return nil
}

func (f *vaultFile) Lock() error   { return nil }
func (f *vaultFile) Unlock() error { return nil }

func (f *vaultFile) Truncate(int64) error { return errReadOnly }

// vaultFileInfo implements os.FileInfo for vault entries.
type vaultFileInfo struct {
	node *node
}

func (fi *vaultFileInfo) Name() string { return fi.node.name }

func (fi *vaultFileInfo) Size() int64 {
	if fi.node.isDir {
		return 0
	}
	return fi.node.size
}

func (fi *vaultFileInfo) Mode() os.FileMode {
	if fi.node.isDir {
		return os.ModeDir | 0o555
	}
	return 0o444
}

func (fi *vaultFileInfo) ModTime() time.Time { return fi.node.modTime }
func (fi *vaultFileInfo) IsDir() bool        { return fi.node.isDir }
func (fi *vaultFileInfo) Sys() interface{}   { return nil }
