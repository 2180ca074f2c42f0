// Package vault implements the deduplicating content-addressed file store:
// blob storage, quota accounting, the folder namespace, file records and
// share grants.
package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Blob is a physical stored object, one per distinct content hash.
// Blobs are immutable: created when novel content is first uploaded,
// deleted when the last referencing file entry goes away.
type Blob struct {
	ContentHash     string    `json:"content_hash"`
	SizeBytes       int64     `json:"size_bytes"` // plaintext size
	RefCount        int       `json:"ref_count"`
	AttributedOwner string    `json:"attributed_owner"` // user whose quota bears the physical cost
	CreatedAt       time.Time `json:"created_at"`
}

// CAS is the content-addressed blob store. It maps a SHA-256 content hash
// to exactly one stored blob plus a reference count, deduplicated globally
// across all users.
//
// Storage format on disk: plaintext -> zstd compress -> XChaCha20-Poly1305
// encrypt -> store. Encryption is convergent (key and nonce derived from the
// master key and the content hash) so identical plaintext produces identical
// ciphertext and deduplication survives encryption.
//
// Directory layout:
//
//	{dataDir}/
//	  blobs/{hh}/{hash}       # compressed, encrypted blob content
//	  meta/blobs/{hash}.json  # Blob record (size, refcount, attribution)
//	  staging/                # in-flight uploads, discarded on failure
type CAS struct {
	blobsDir   string
	metaDir    string
	stagingDir string
	masterKey  [32]byte

	mu    sync.RWMutex
	blobs map[string]*Blob

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewCAS opens (or initializes) a content-addressed store rooted at dataDir.
// Existing blob records are loaded from disk.
func NewCAS(dataDir string, masterKey [32]byte) (*CAS, error) {
	c := &CAS{
		blobsDir:   filepath.Join(dataDir, "blobs"),
		metaDir:    filepath.Join(dataDir, "meta", "blobs"),
		stagingDir: filepath.Join(dataDir, "staging"),
		masterKey:  masterKey,
		blobs:      make(map[string]*Blob),
	}

	for _, dir := range []string{c.blobsDir, c.metaDir, c.stagingDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	c.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}

	if err := c.loadBlobs(); err != nil {
		return nil, err
	}

	return c, nil
}

// loadBlobs reads all persisted blob records into memory.
func (c *CAS) loadBlobs() error {
	entries, err := os.ReadDir(c.metaDir)
	if err != nil {
		return fmt.Errorf("read blob meta dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.metaDir, e.Name()))
		if err != nil {
			return fmt.Errorf("read blob meta %s: %w", e.Name(), err)
		}
		var b Blob
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("parse blob meta %s: %w", e.Name(), err)
		}
		c.blobs[b.ContentHash] = &b
	}
	return nil
}

// Staged is a fully received upload sitting in the staging area: the bytes
// are on disk outside the committed store and the content hash is final.
// A Staged must be resolved by exactly one of Commit (via CAS.Put) or Discard.
type Staged struct {
	path string
	hash string
	size int64
}

// ContentHash returns the SHA-256 hex digest of the staged content.
func (st *Staged) ContentHash() string { return st.hash }

// Size returns the plaintext size in bytes of the staged content.
func (st *Staged) Size() int64 { return st.size }

// Open returns a reader over the staged plaintext, used for content sniffing
// before commit.
func (st *Staged) Open() (io.ReadCloser, error) {
	return os.Open(st.path)
}

// Discard removes the staged file. Safe to call after Put (the staged file
// is consumed either way), and safe to call more than once.
func (st *Staged) Discard() {
	if st.path != "" {
		_ = os.Remove(st.path)
		st.path = ""
	}
}

// Stage streams r into the staging area, computing the content hash
// incrementally while the bytes are written. The committed store is never
// touched: a partial or cancelled upload leaves at most a staging temp file,
// which is removed before returning the error.
//
// The context is checked between copy chunks so a disconnected caller stops
// consuming disk promptly.
func (c *CAS) Stage(ctx context.Context, r io.Reader) (*Staged, error) {
	tmp, err := os.CreateTemp(c.stagingDir, "upload-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	tmpPath := tmp.Name()

	hasher := sha256.New()
	n, err := copyWithContext(ctx, io.MultiWriter(tmp, hasher), r)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close staging file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("stage upload: %w", err)
	}

	return &Staged{
		path: tmpPath,
		hash: hex.EncodeToString(hasher.Sum(nil)),
		size: n,
	}, nil
}

// copyWithContext copies src to dst in chunks, aborting when ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 128*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// Put commits a staged upload into the store. The check-then-act against the
// blob index is atomic: of two concurrent puts of identical content exactly
// one performs the physical write, the other lands on the existing blob.
//
// If a blob with the staged content hash exists, its refcount is incremented
// and wasNew is false — no physical write occurs. Otherwise the staged bytes
// are compressed, encrypted and atomically renamed into place, a Blob record
// is created with refcount 1 and attribution to owner, and wasNew is true.
//
// The staged file is consumed in both cases.
func (c *CAS) Put(ctx context.Context, st *Staged, owner string) (blob *Blob, wasNew bool, err error) {
	defer st.Discard()

	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.blobs[st.hash]; ok {
		b.RefCount++
		if err := c.saveBlobLocked(b); err != nil {
			b.RefCount--
			return nil, false, err
		}
		return b.clone(), false, nil
	}

	plaintext, err := os.ReadFile(st.path)
	if err != nil {
		return nil, false, fmt.Errorf("read staged upload: %w", err)
	}

	sealed, err := c.seal(plaintext, st.hash)
	if err != nil {
		return nil, false, err
	}

	blobPath, err := c.blobPath(st.hash)
	if err != nil {
		return nil, false, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(blobPath), ".blob-*.tmp")
	if err != nil {
		return nil, false, fmt.Errorf("create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(sealed); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return nil, false, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, false, fmt.Errorf("close temp blob: %w", err)
	}
	if err := os.Rename(tmpPath, blobPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, false, fmt.Errorf("rename blob: %w", err)
	}

	b := &Blob{
		ContentHash:     st.hash,
		SizeBytes:       st.size,
		RefCount:        1,
		AttributedOwner: owner,
		CreatedAt:       time.Now().UTC(),
	}
	if err := c.saveBlobLocked(b); err != nil {
		_ = os.Remove(blobPath)
		return nil, false, err
	}
	c.blobs[st.hash] = b

	return b.clone(), true, nil
}

// Retain increments the refcount for a hash already known to exist, used
// when attaching an existing blob to a new file entry (copy operations).
func (c *CAS) Retain(contentHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.blobs[contentHash]
	if !ok {
		return fmt.Errorf("blob %s: %w", contentHash, ErrNotFound)
	}
	b.RefCount++
	if err := c.saveBlobLocked(b); err != nil {
		b.RefCount--
		return err
	}
	return nil
}

// Release decrements the refcount for a hash. When the count reaches zero
// the blob record and the physical bytes are deleted and true is returned.
// Releasing an unknown hash or one already at zero is an invariant violation
// and reported as ErrNotFound.
func (c *CAS) Release(contentHash string) (physicallyDeleted bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.blobs[contentHash]
	if !ok || b.RefCount <= 0 {
		return false, fmt.Errorf("blob %s: %w", contentHash, ErrNotFound)
	}

	b.RefCount--
	if b.RefCount > 0 {
		if err := c.saveBlobLocked(b); err != nil {
			b.RefCount++
			return false, err
		}
		return false, nil
	}

	delete(c.blobs, contentHash)
	if err := os.Remove(c.blobMetaPath(contentHash)); err != nil && !os.IsNotExist(err) {
		return true, fmt.Errorf("remove blob meta: %w", err)
	}
	blobPath, err := c.blobPath(contentHash)
	if err == nil {
		if rerr := os.Remove(blobPath); rerr != nil && !os.IsNotExist(rerr) {
			return true, fmt.Errorf("remove blob: %w", rerr)
		}
	}
	return true, nil
}

// Get returns the blob record for a content hash.
func (c *CAS) Get(contentHash string) (*Blob, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.blobs[contentHash]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", contentHash, ErrNotFound)
	}
	return b.clone(), nil
}

// Open returns a reader over the decrypted, decompressed blob content.
// Content integrity is verified against the hash before any byte is served.
func (c *CAS) Open(ctx context.Context, contentHash string) (io.ReadCloser, error) {
	c.mu.RLock()
	_, ok := c.blobs[contentHash]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", contentHash, ErrNotFound)
	}

	blobPath, err := c.blobPath(contentHash)
	if err != nil {
		return nil, err
	}
	sealed, err := os.ReadFile(blobPath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %s: %w", contentHash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}

	plaintext, err := c.unseal(sealed, contentHash)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(plaintext)
	if hex.EncodeToString(sum[:]) != contentHash {
		return nil, fmt.Errorf("blob %s failed integrity check (data corruption)", contentHash)
	}

	return io.NopCloser(bytes.NewReader(plaintext)), nil
}

// SetAttributedOwner reassigns which user's quota bears the blob's physical
// cost. Used when the attributed owner deletes their last reference while
// other references remain.
func (c *CAS) SetAttributedOwner(contentHash, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.blobs[contentHash]
	if !ok {
		return fmt.Errorf("blob %s: %w", contentHash, ErrNotFound)
	}
	prev := b.AttributedOwner
	b.AttributedOwner = owner
	if err := c.saveBlobLocked(b); err != nil {
		b.AttributedOwner = prev
		return err
	}
	return nil
}

// BlobCount returns the number of live blobs.
func (c *CAS) BlobCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blobs)
}

// TotalPhysicalBytes returns the sum of plaintext sizes over all live blobs.
func (c *CAS) TotalPhysicalBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, b := range c.blobs {
		total += b.SizeBytes
	}
	return total
}

func (b *Blob) clone() *Blob {
	cp := *b
	return &cp
}

// blobPath returns the filesystem path for a blob, using a two-level
// directory structure to avoid too many files in one directory.
func (c *CAS) blobPath(contentHash string) (string, error) {
	if len(contentHash) < 2 {
		return "", fmt.Errorf("invalid content hash %q", contentHash)
	}
	dir := filepath.Join(c.blobsDir, contentHash[:2])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	return filepath.Join(dir, contentHash), nil
}

func (c *CAS) blobMetaPath(contentHash string) string {
	return filepath.Join(c.metaDir, contentHash+".json")
}

// saveBlobLocked persists a blob record. Caller holds c.mu.
func (c *CAS) saveBlobLocked(b *Blob) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal blob meta: %w", err)
	}
	if err := syncedWriteFile(c.blobMetaPath(b.ContentHash), data, 0644); err != nil {
		return fmt.Errorf("write blob meta: %w", err)
	}
	return nil
}

// deriveBlobKey derives the per-blob encryption key using HKDF. Keying off
// the content hash makes encryption convergent: same plaintext, same
// ciphertext, so dedup works on the sealed bytes too.
func (c *CAS) deriveBlobKey(contentHash string) ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, c.masterKey[:], []byte(contentHash), []byte("filevault-blob"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("derive blob key: %w", err)
	}
	return key, nil
}

// deriveNonce derives a deterministic nonce from the master key and content
// hash, keeping nonces unpredictable without the master key.
func (c *CAS) deriveNonce(contentHash string) ([24]byte, error) {
	var nonce [24]byte
	r := hkdf.New(sha256.New, append(c.masterKey[:], []byte(contentHash)...), nil, []byte("filevault-nonce"))
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return nonce, fmt.Errorf("derive nonce: %w", err)
	}
	return nonce, nil
}

// seal compresses and encrypts plaintext for at-rest storage.
func (c *CAS) seal(plaintext []byte, contentHash string) ([]byte, error) {
	enc := c.encoderPool.Get().(*zstd.Encoder)
	compressed := enc.EncodeAll(plaintext, nil)
	c.encoderPool.Put(enc)

	key, err := c.deriveBlobKey(contentHash)
	if err != nil {
		return nil, err
	}
	nonce, err := c.deriveNonce(contentHash)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return aead.Seal(nil, nonce[:], compressed, nil), nil
}

// unseal decrypts and decompresses stored blob bytes.
func (c *CAS) unseal(sealed []byte, contentHash string) ([]byte, error) {
	key, err := c.deriveBlobKey(contentHash)
	if err != nil {
		return nil, err
	}
	nonce, err := c.deriveNonce(contentHash)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	compressed, err := aead.Open(nil, nonce[:], sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt blob: %w", err)
	}

	dec := c.decoderPool.Get().(*zstd.Decoder)
	plaintext, err := dec.DecodeAll(compressed, nil)
	c.decoderPool.Put(dec)
	if err != nil {
		return nil, fmt.Errorf("decompress blob: %w", err)
	}
	return plaintext, nil
}

// ContentHashOf computes the SHA-256 hex digest of data.
func ContentHashOf(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
