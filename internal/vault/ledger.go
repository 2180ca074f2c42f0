package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Account is a user's storage ledger row. LogicalBytes is the sum of
// logical sizes over the user's live file entries (pre-dedup);
// PhysicalBytes is the sum of blob sizes the user is the attributed owner
// of. Dedup can only shrink the physical footprint, so
// PhysicalBytes <= LogicalBytes always holds.
type Account struct {
	UserID        string `json:"user_id"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	QuotaBytes    int64  `json:"quota_bytes"` // 0 = unlimited
	LogicalBytes  int64  `json:"logical_bytes"`
	PhysicalBytes int64  `json:"physical_bytes"`
}

// SavingsBytes returns how many bytes deduplication saved this user.
func (a *Account) SavingsBytes() int64 {
	return a.LogicalBytes - a.PhysicalBytes
}

// SavingsPercent returns the dedup savings as a percentage of logical usage.
func (a *Account) SavingsPercent() float64 {
	if a.LogicalBytes == 0 {
		return 0
	}
	return float64(a.SavingsBytes()) / float64(a.LogicalBytes) * 100
}

// Reservation is a held quota claim produced by CheckAndReserve. It must be
// resolved by exactly one of Commit or Cancel; an unresolved reservation
// keeps headroom blocked for its user.
type Reservation struct {
	UserID       string
	LogicalBytes int64
	done         bool
}

// Ledger tracks per-user logical and physical byte consumption and enforces
// quotas. Quota is enforced on logical size: dedup savings show up as
// headroom the user can see, not as silent unlimited storage.
type Ledger struct {
	metaDir      string
	defaultQuota int64

	mu       sync.RWMutex
	accounts map[string]*Account
	reserved map[string]int64 // in-flight reservations, not persisted
}

// NewLedger opens the quota ledger rooted at dataDir, loading persisted
// accounts. defaultQuota applies to accounts created implicitly on first
// use; 0 means unlimited.
func NewLedger(dataDir string, defaultQuota int64) (*Ledger, error) {
	l := &Ledger{
		metaDir:      filepath.Join(dataDir, "meta", "accounts"),
		defaultQuota: defaultQuota,
		accounts:     make(map[string]*Account),
		reserved:     make(map[string]int64),
	}
	if err := os.MkdirAll(l.metaDir, 0755); err != nil {
		return nil, fmt.Errorf("create accounts dir: %w", err)
	}

	entries, err := os.ReadDir(l.metaDir)
	if err != nil {
		return nil, fmt.Errorf("read accounts dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.metaDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read account %s: %w", e.Name(), err)
		}
		var a Account
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("parse account %s: %w", e.Name(), err)
		}
		l.accounts[a.UserID] = &a
	}

	return l, nil
}

// Register creates or updates the directory entry for a user. quotaBytes of
// 0 keeps the current quota (or the default for a new account).
func (l *Ledger) Register(userID, name, email string, quotaBytes int64) (*Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.accountLocked(userID)
	if name != "" {
		a.Name = name
	}
	if email != "" {
		a.Email = email
	}
	if quotaBytes > 0 {
		a.QuotaBytes = quotaBytes
	}
	if err := l.saveLocked(a); err != nil {
		return nil, err
	}
	return a.clone(), nil
}

// accountLocked returns the account for userID, creating it with the
// default quota if absent. Caller holds l.mu.
func (l *Ledger) accountLocked(userID string) *Account {
	a, ok := l.accounts[userID]
	if !ok {
		a = &Account{UserID: userID, QuotaBytes: l.defaultQuota}
		l.accounts[userID] = a
	}
	return a
}

// CheckAndReserve verifies that userID can take on logicalBytes more of
// logical usage and holds that headroom until the reservation is committed
// or cancelled. The check and the reserve are a single atomic step, so two
// concurrent uploads from one user cannot both pass a stale check and
// jointly exceed the quota.
func (l *Ledger) CheckAndReserve(userID string, logicalBytes int64) (*Reservation, error) {
	if logicalBytes < 0 {
		return nil, fmt.Errorf("negative reservation size %d", logicalBytes)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.accountLocked(userID)
	if a.QuotaBytes > 0 && a.LogicalBytes+l.reserved[userID]+logicalBytes > a.QuotaBytes {
		return nil, fmt.Errorf("user %s: %w", userID, ErrQuotaExceeded)
	}
	l.reserved[userID] += logicalBytes

	return &Reservation{UserID: userID, LogicalBytes: logicalBytes}, nil
}

// Commit finalizes accounting for a completed upload: the reserved logical
// bytes become owned, and when the upload created a new blob the physical
// size lands on the uploader's attribution. Subsequent referencers of the
// same content commit with wasNewBlob=false and get the bytes for free in
// physical terms; that gap is the dedup savings the dashboards show.
func (l *Ledger) Commit(res *Reservation, wasNewBlob bool, physicalBytes int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if res == nil || res.done {
		return fmt.Errorf("reservation already resolved: %w", ErrConflict)
	}
	res.done = true
	l.releaseReservedLocked(res)

	a := l.accountLocked(res.UserID)
	a.LogicalBytes += res.LogicalBytes
	if wasNewBlob {
		a.PhysicalBytes += physicalBytes
	}
	return l.saveLocked(a)
}

// Cancel releases a reservation without charging anything, used when the
// upload fails after the quota check.
func (l *Ledger) Cancel(res *Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if res == nil || res.done {
		return
	}
	res.done = true
	l.releaseReservedLocked(res)
}

func (l *Ledger) releaseReservedLocked(res *Reservation) {
	l.reserved[res.UserID] -= res.LogicalBytes
	if l.reserved[res.UserID] <= 0 {
		delete(l.reserved, res.UserID)
	}
}

// Release credits a user for a deleted file entry: logical bytes always,
// physical bytes only when this deletion removed the last reference to the
// blob and the user was its attributed owner.
func (l *Ledger) Release(userID string, logicalBytes int64, creditPhysical bool, physicalBytes int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.accountLocked(userID)
	a.LogicalBytes -= logicalBytes
	if a.LogicalBytes < 0 {
		a.LogicalBytes = 0
	}
	if creditPhysical {
		a.PhysicalBytes -= physicalBytes
		if a.PhysicalBytes < 0 {
			a.PhysicalBytes = 0
		}
	}
	return l.saveLocked(a)
}

// Reattribute moves physical attribution of a blob from one user to
// another, keeping global physical accounting exact when the attributed
// owner's last reference to a still-shared blob is deleted.
func (l *Ledger) Reattribute(fromUserID, toUserID string, physicalBytes int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	from := l.accountLocked(fromUserID)
	to := l.accountLocked(toUserID)

	from.PhysicalBytes -= physicalBytes
	if from.PhysicalBytes < 0 {
		from.PhysicalBytes = 0
	}
	to.PhysicalBytes += physicalBytes

	if err := l.saveLocked(from); err != nil {
		return err
	}
	return l.saveLocked(to)
}

// Get returns the account for userID, or ErrNotFound if the user has never
// been registered or charged.
func (l *Ledger) Get(userID string) (*Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	a, ok := l.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return a.clone(), nil
}

// List returns all accounts.
func (l *Ledger) List() []*Account {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Account, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, a.clone())
	}
	return out
}

// TotalLogicalBytes returns the sum of logical usage across all users.
func (l *Ledger) TotalLogicalBytes() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total int64
	for _, a := range l.accounts {
		total += a.LogicalBytes
	}
	return total
}

// TotalPhysicalBytes returns the sum of attributed physical usage across
// all users. With exact attribution this equals the sum of live blob sizes.
func (l *Ledger) TotalPhysicalBytes() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total int64
	for _, a := range l.accounts {
		total += a.PhysicalBytes
	}
	return total
}

func (a *Account) clone() *Account {
	cp := *a
	return &cp
}

func (l *Ledger) accountPath(userID string) string {
	return filepath.Join(l.metaDir, userID+".json")
}

// saveLocked persists an account. Caller holds l.mu.
func (l *Ledger) saveLocked(a *Account) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	if err := syncedWriteFile(l.accountPath(a.UserID), data, 0644); err != nil {
		return fmt.Errorf("write account: %w", err)
	}
	return nil
}
