package vault

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func fileItemFor(name string, size int64, ct string, at time.Time, owned bool) ContentItem {
	it := ContentItem{
		ID:           uuid.New(),
		ItemType:     ItemTypeFile,
		Name:         name,
		Size:         &size,
		UploadedAt:   at,
		UserOwnsFile: owned,
	}
	if ct != "" {
		it.ContentType = &ct
	}
	return it
}

func folderItemFor(name string, at time.Time) ContentItem {
	return ContentItem{
		ID:           uuid.New(),
		ItemType:     ItemTypeFolder,
		Name:         name,
		UploadedAt:   at,
		UserOwnsFile: true,
	}
}

func names(items []ContentItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Name
	}
	return out
}

func TestListingSearch(t *testing.T) {
	now := time.Now()
	items := []ContentItem{
		fileItemFor("Report-2024.pdf", 10, "application/pdf", now, true),
		fileItemFor("photo.jpg", 20, "image/jpeg", now, true),
		fileItemFor("report-draft.txt", 5, "text/plain", now, true),
	}

	res := applyListing(items, ListOptions{Search: "report"})
	assert.Equal(t, 2, res.TotalCount)
	assert.ElementsMatch(t, []string{"Report-2024.pdf", "report-draft.txt"}, names(res.Items))
}

func TestListingContentTypePrefix(t *testing.T) {
	now := time.Now()
	items := []ContentItem{
		fileItemFor("a.jpg", 1, "image/jpeg", now, true),
		fileItemFor("b.png", 1, "image/png", now, true),
		fileItemFor("c.txt", 1, "text/plain", now, true),
		folderItemFor("pics", now),
	}

	res := applyListing(items, ListOptions{ContentType: "image/"})
	assert.Equal(t, 2, res.TotalCount)

	res = applyListing(items, ListOptions{ContentType: "image/png"})
	assert.Equal(t, []string{"b.png"}, names(res.Items))
}

func TestListingSizeBounds(t *testing.T) {
	now := time.Now()
	items := []ContentItem{
		fileItemFor("small", 10, "", now, true),
		fileItemFor("medium", 100, "", now, true),
		fileItemFor("large", 1000, "", now, true),
	}

	res := applyListing(items, ListOptions{MinSize: 50, MaxSize: 500})
	assert.Equal(t, []string{"medium"}, names(res.Items))
}

func TestListingDateBounds(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []ContentItem{
		fileItemFor("old", 1, "", base, true),
		fileItemFor("mid", 1, "", base.AddDate(0, 1, 0), true),
		fileItemFor("new", 1, "", base.AddDate(0, 2, 0), true),
	}

	res := applyListing(items, ListOptions{
		UploadedAfter:  base.AddDate(0, 0, 15),
		UploadedBefore: base.AddDate(0, 1, 15),
	})
	assert.Equal(t, []string{"mid"}, names(res.Items))
}

func TestListingOwnership(t *testing.T) {
	now := time.Now()
	items := []ContentItem{
		fileItemFor("mine", 1, "", now, true),
		fileItemFor("theirs", 1, "", now, false),
	}

	res := applyListing(items, ListOptions{Ownership: OwnershipOwned})
	assert.Equal(t, []string{"mine"}, names(res.Items))

	res = applyListing(items, ListOptions{Ownership: OwnershipSharedWithMe})
	assert.Equal(t, []string{"theirs"}, names(res.Items))

	res = applyListing(items, ListOptions{Ownership: OwnershipAny})
	assert.Equal(t, 2, res.TotalCount)
}

func TestListingSortFoldersFirst(t *testing.T) {
	now := time.Now()
	items := []ContentItem{
		fileItemFor("aaa.txt", 1, "", now, true),
		folderItemFor("zzz", now),
	}

	// Folders group first even when sorting descending by name
	res := applyListing(items, ListOptions{SortBy: "name", SortOrder: "desc"})
	assert.Equal(t, []string{"zzz", "aaa.txt"}, names(res.Items))
}

func TestListingSortBySize(t *testing.T) {
	now := time.Now()
	items := []ContentItem{
		fileItemFor("big", 300, "", now, true),
		fileItemFor("small", 1, "", now, true),
		fileItemFor("mid", 50, "", now, true),
	}

	res := applyListing(items, ListOptions{SortBy: "size"})
	assert.Equal(t, []string{"small", "mid", "big"}, names(res.Items))

	res = applyListing(items, ListOptions{SortBy: "size", SortOrder: "desc"})
	assert.Equal(t, []string{"big", "mid", "small"}, names(res.Items))
}

func TestListingSortByDate(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []ContentItem{
		fileItemFor("second", 1, "", base.Add(time.Hour), true),
		fileItemFor("first", 1, "", base, true),
	}

	res := applyListing(items, ListOptions{SortBy: "date"})
	assert.Equal(t, []string{"first", "second"}, names(res.Items))
}

func TestListingSortNameCaseInsensitive(t *testing.T) {
	now := time.Now()
	items := []ContentItem{
		fileItemFor("banana", 1, "", now, true),
		fileItemFor("Apple", 1, "", now, true),
		fileItemFor("cherry", 1, "", now, true),
	}

	res := applyListing(items, ListOptions{})
	assert.Equal(t, []string{"Apple", "banana", "cherry"}, names(res.Items))
}

func TestListingPagination(t *testing.T) {
	now := time.Now()
	items := []ContentItem{
		fileItemFor("a", 1, "", now, true),
		fileItemFor("b", 1, "", now, true),
		fileItemFor("c", 1, "", now, true),
		fileItemFor("d", 1, "", now, true),
		fileItemFor("e", 1, "", now, true),
	}

	res := applyListing(items, ListOptions{Offset: 1, Limit: 2})
	assert.Equal(t, []string{"b", "c"}, names(res.Items))
	// TotalCount reflects all matches, not the page
	assert.Equal(t, 5, res.TotalCount)

	// Offset past the end yields an empty page
	res = applyListing(items, ListOptions{Offset: 10, Limit: 2})
	assert.Empty(t, res.Items)
	assert.Equal(t, 5, res.TotalCount)

	// Limit 0 means everything
	res = applyListing(items, ListOptions{})
	assert.Len(t, res.Items, 5)
}
