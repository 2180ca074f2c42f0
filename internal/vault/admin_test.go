package vault

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminListFiles(t *testing.T) {
	s := newTestService(t, 0)

	shared := []byte("deduplicated content")
	upload(t, s, "alice", "a.txt", shared, nil)
	upload(t, s, "bob", "b.txt", shared, nil)
	upload(t, s, "alice", "c.txt", []byte("unique"), nil)

	report := s.AdminListFiles("name", "asc", 0, 0)
	require.Len(t, report.Files, 3)
	assert.Equal(t, 3, report.TotalCount)
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, adminNames(report))

	// Ref counts join through to the blob
	assert.Equal(t, 2, report.Files[0].RefCount)
	assert.Equal(t, 2, report.Files[1].RefCount)
	assert.Equal(t, 1, report.Files[2].RefCount)

	// Logical counts both copies, physical only one
	wantLogical := int64(2*len(shared) + len("unique"))
	wantPhysical := int64(len(shared) + len("unique"))
	assert.Equal(t, wantLogical, report.TotalLogicalBytes)
	assert.Equal(t, wantPhysical, report.TotalPhysicalBytes)
	assert.Equal(t, wantLogical-wantPhysical, report.SavingsBytes)
	assert.Greater(t, report.SavingsPercent, 0.0)
}

func TestAdminListFilesSortAndPage(t *testing.T) {
	s := newTestService(t, 0)

	upload(t, s, "alice", "big.bin", []byte(strings.Repeat("x", 300)), nil)
	upload(t, s, "bob", "small.bin", []byte("x"), nil)
	upload(t, s, "alice", "mid.bin", []byte(strings.Repeat("x", 50)), nil)

	report := s.AdminListFiles("size", "desc", 0, 2)
	require.Len(t, report.Files, 2)
	assert.Equal(t, []string{"big.bin", "mid.bin"}, adminNames(report))
	assert.Equal(t, 3, report.TotalCount)

	report = s.AdminListFiles("size", "desc", 2, 2)
	require.Len(t, report.Files, 1)
	assert.Equal(t, "small.bin", report.Files[0].Filename)

	report = s.AdminListFiles("owner", "asc", 0, 0)
	assert.Equal(t, "alice", report.Files[0].OwnerID)
	assert.Equal(t, "bob", report.Files[2].OwnerID)
}

func TestAdminReportVolumeStats(t *testing.T) {
	s := newTestService(t, 0)

	report := s.AdminListFiles("name", "asc", 0, 0)
	// The data dir sits on a real filesystem, so capacity should resolve
	assert.Greater(t, report.VolumeTotalBytes, int64(0))
	assert.GreaterOrEqual(t, report.VolumeTotalBytes, report.VolumeUsedBytes)
}

func TestAdminEmptyVault(t *testing.T) {
	s := newTestService(t, 0)

	report := s.AdminListFiles("name", "asc", 0, 0)
	assert.Empty(t, report.Files)
	assert.Equal(t, int64(0), report.TotalLogicalBytes)
	assert.Equal(t, 0.0, report.SavingsPercent)
}

func adminNames(r *AdminReport) []string {
	out := make([]string, len(r.Files))
	for i, f := range r.Files {
		out[i] = f.Filename
	}
	return out
}
