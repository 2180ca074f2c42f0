package nfs

import (
	"context"
	"net"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog/log"
	nfs "github.com/willscott/go-nfs"
	"github.com/willscott/go-nfs/helpers"

	"github.com/filevault/filevault/internal/vault"
)

// Server exports one user's vault over NFS v3, read-only.
type Server struct {
	handler  *Handler
	listener net.Listener
	addr     string
}

// Config holds NFS server configuration.
type Config struct {
	// Address to bind to (e.g. ":2049" or "127.0.0.1:2049")
	Address string

	// User whose vault tree is exported
	UserID string
}

// NewServer creates an NFS server over svc for the configured user.
func NewServer(svc *vault.Service, cfg Config) *Server {
	return &Server{
		handler: NewHandler(svc, cfg.UserID),
		addr:    cfg.Address,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	log.Info().
		Str("addr", s.addr).
		Str("user", s.handler.userID).
		Msg("NFS server started")

	go func() {
		if err := nfs.Serve(listener, s.handler); err != nil {
			log.Error().Err(err).Msg("NFS server error")
		}
	}()

	return nil
}

// Stop closes the listener.
func (s *Server) Stop() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Handler returns the NFS handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}

// Handler implements nfs.Handler over a single-user vault export.
type Handler struct {
	svc          *vault.Service
	userID       string
	fs           *VaultFilesystem
	cachingLimit int

	inner nfs.Handler
}

// NewHandler creates a handler exporting userID's vault tree. The inner
// caching handler is built eagerly so a stale client handle arriving
// before the first ToHandle resolves to an error instead of a panic.
func NewHandler(svc *vault.Service, userID string) *Handler {
	const cachingLimit = 1024
	fs := NewVaultFilesystem(svc, userID)
	return &Handler{
		svc:          svc,
		userID:       userID,
		fs:           fs,
		cachingLimit: cachingLimit,
		inner:        helpers.NewCachingHandler(helpers.NewNullAuthHandler(fs), cachingLimit),
	}
}

// Mount serves the export regardless of the requested dirpath; the
// export is a single tree. Access control lives a layer up: the export
// only ever sees the configured user's vault.
func (h *Handler) Mount(ctx context.Context, conn net.Conn, req nfs.MountRequest) (nfs.MountStatus, billy.Filesystem, []nfs.AuthFlavor) {
	log.Debug().
		Str("path", string(req.Dirpath)).
		Str("remote", conn.RemoteAddr().String()).
		Str("user", h.userID).
		Msg("NFS mount request")
	return nfs.MountStatusOk, h.fs, []nfs.AuthFlavor{nfs.AuthFlavorNull}
}

// Change returns nil; the export is read-only.
func (h *Handler) Change(fs billy.Filesystem) billy.Change {
	return nil
}

// FSStat reports the exported user's quota as the filesystem size.
func (h *Handler) FSStat(ctx context.Context, fs billy.Filesystem, stat *nfs.FSStat) error {
	acct, err := h.svc.Ledger().Get(h.userID)
	if err != nil {
		return err
	}
	total := uint64(acct.QuotaBytes)
	if total == 0 {
		total = 1 << 40
	}
	used := uint64(acct.LogicalBytes)
	free := uint64(0)
	if total > used {
		free = total - used
	}
	stat.TotalSize = total
	stat.FreeSize = free
	stat.AvailableSize = free
	stat.TotalFiles = 1 << 20
	stat.FreeFiles = 1 << 20
	stat.AvailableFiles = 1 << 20
	stat.CacheHint = 0
	return nil
}

// ToHandle converts a file path to a handle.
func (h *Handler) ToHandle(fs billy.Filesystem, path []string) []byte {
	return h.inner.ToHandle(fs, path)
}

// FromHandle converts a handle back to a filesystem and path.
func (h *Handler) FromHandle(fh []byte) (billy.Filesystem, []string, error) {
	return h.inner.FromHandle(fh)
}

// InvalidateHandle invalidates a handle.
func (h *Handler) InvalidateHandle(fs billy.Filesystem, fh []byte) error {
	return h.inner.InvalidateHandle(fs, fh)
}

// HandleLimit returns the maximum number of cached handles.
func (h *Handler) HandleLimit() int {
	return h.cachingLimit
}
