package vault

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Item types returned by listings.
const (
	ItemTypeFile   = "file"
	ItemTypeFolder = "folder"
)

// Ownership filter values for listings.
type OwnershipFilter int

const (
	OwnershipAny OwnershipFilter = iota
	OwnershipOwned
	OwnershipSharedWithMe
)

// ContentItem is one row of a listing: either a file entry or a folder,
// the shape both the dashboard and the shared-with-you views consume.
type ContentItem struct {
	ID            uuid.UUID `json:"id"`
	ItemType      string    `json:"item_type"`
	Name          string    `json:"name"`
	Size          *int64    `json:"size,omitempty"`
	ContentType   *string   `json:"content_type,omitempty"`
	UploadedAt    time.Time `json:"uploaded_at"`
	UserOwnsFile  bool      `json:"user_owns_file"`
	DownloadCount *int64    `json:"download_count,omitempty"`
}

// ListOptions carries the filters, sort and pagination of a listing query.
// Zero values mean "no constraint"; Limit 0 means no page cap.
type ListOptions struct {
	Search         string // case-insensitive name substring
	ContentType    string // exact match or prefix like "image/"
	MinSize        int64  // 0 = unbounded
	MaxSize        int64  // 0 = unbounded
	UploadedAfter  time.Time
	UploadedBefore time.Time
	Ownership      OwnershipFilter

	SortBy    string // "name", "size", "date" (default "name")
	SortOrder string // "asc" or "desc" (default "asc")

	Offset int
	Limit  int
}

// ListResult is a page of items plus the total match count before
// pagination, which drives the pager in the UI.
type ListResult struct {
	Items      []ContentItem `json:"items"`
	TotalCount int           `json:"total_count"`
}

// matches reports whether an item passes every filter in opts.
func (opts *ListOptions) matches(it *ContentItem) bool {
	if opts.Search != "" && !strings.Contains(strings.ToLower(it.Name), strings.ToLower(opts.Search)) {
		return false
	}
	if opts.ContentType != "" {
		if it.ContentType == nil {
			return false
		}
		ct := *it.ContentType
		if ct != opts.ContentType && !strings.HasPrefix(ct, opts.ContentType) {
			return false
		}
	}
	if opts.MinSize > 0 && (it.Size == nil || *it.Size < opts.MinSize) {
		return false
	}
	if opts.MaxSize > 0 && (it.Size == nil || *it.Size > opts.MaxSize) {
		return false
	}
	if !opts.UploadedAfter.IsZero() && it.UploadedAt.Before(opts.UploadedAfter) {
		return false
	}
	if !opts.UploadedBefore.IsZero() && it.UploadedAt.After(opts.UploadedBefore) {
		return false
	}
	switch opts.Ownership {
	case OwnershipOwned:
		if !it.UserOwnsFile {
			return false
		}
	case OwnershipSharedWithMe:
		if it.UserOwnsFile {
			return false
		}
	}
	return true
}

// applyListing filters, sorts and paginates items, returning the requested
// page and the total match count. Folders always sort before files, the way
// the dashboard presents them.
func applyListing(items []ContentItem, opts ListOptions) ListResult {
	filtered := items[:0:0]
	for i := range items {
		if opts.matches(&items[i]) {
			filtered = append(filtered, items[i])
		}
	}

	sortItems(filtered, opts.SortBy, opts.SortOrder)

	total := len(filtered)
	start := opts.Offset
	if start > total {
		start = total
	}
	end := total
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}

	return ListResult{Items: filtered[start:end], TotalCount: total}
}

func sortItems(items []ContentItem, sortBy, sortOrder string) {
	desc := strings.EqualFold(sortOrder, "desc")

	less := func(a, b *ContentItem) bool {
		switch sortBy {
		case "size":
			as, bs := int64(0), int64(0)
			if a.Size != nil {
				as = *a.Size
			}
			if b.Size != nil {
				bs = *b.Size
			}
			if as != bs {
				return as < bs
			}
		case "date":
			if !a.UploadedAt.Equal(b.UploadedAt) {
				return a.UploadedAt.Before(b.UploadedAt)
			}
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := &items[i], &items[j]
		// Folders group before files regardless of sort direction.
		if a.ItemType != b.ItemType {
			return a.ItemType == ItemTypeFolder
		}
		if desc {
			return less(b, a)
		}
		return less(a, b)
	})
}
