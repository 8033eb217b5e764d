package metadatastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaby/ndsfabric/internal/ndsmodel"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleFile(hash string, ndsID int64) ndsmodel.NDSFile {
	return ndsmodel.NDSFile{
		FileHash:     hash,
		NDSID:        ndsID,
		FilePath:     "/mro/A20250101.0000-0015.zip",
		SubFileName:  "A20250101.0000-0015_123456_MRO.xml",
		HeaderOffset: 42,
		CompressSize: 100,
		FileSize:     200,
		CompressType: 8,
		DataType:     ndsmodel.DataTypeMRO,
		ENodeBID:     123456,
		FileTime:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestUpsertAndClaimTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n, err := s.UpsertFiles(ctx, []ndsmodel.NDSFile{sampleFile("h1", 1), sampleFile("h2", 1)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	task, err := s.ClaimTask(ctx, 1, "task-uuid-1")
	require.NoError(t, err)
	assert.Equal(t, ndsmodel.ParsedReserved, task.Parsed)
	assert.Equal(t, "task-uuid-1", task.TaskUUID)

	pending, err := s.CountPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, pending) // one claimed, one still pending
}

func TestClaimTask_NoEligibleWork(t *testing.T) {
	s := openTestStore(t)
	_, err := s.ClaimTask(context.Background(), 1, "x")
	assert.ErrorIs(t, err, ErrNoEligibleTask)
}

func TestUpdateParsed_RejectsStaleTaskUUID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertFiles(ctx, []ndsmodel.NDSFile{sampleFile("h1", 1)})
	require.NoError(t, err)

	task, err := s.ClaimTask(ctx, 1, "owner-a")
	require.NoError(t, err)

	err = s.UpdateParsed(ctx, task.FileHash, "owner-b", ndsmodel.ParsedDone)
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateParsed(ctx, task.FileHash, "owner-a", ndsmodel.ParsedDone)
	assert.NoError(t, err)
}

func TestReclaimExpiredLeases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertFiles(ctx, []ndsmodel.NDSFile{sampleFile("h1", 1)})
	require.NoError(t, err)

	_, err = s.ClaimTask(ctx, 1, "owner-a")
	require.NoError(t, err)

	n, err := s.ReclaimExpiredLeases(ctx, 0) // zero timeout: everything is "expired"
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := s.CountPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestUpsertFiles_DedupesByFileHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n, err := s.UpsertFiles(ctx, []ndsmodel.NDSFile{sampleFile("h1", 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Re-submitting the same hash updates in place, inserts nothing new.
	n, err = s.UpsertFiles(ctx, []ndsmodel.NDSFile{sampleFile("h1", 1)})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRemoveFilesByPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	gone := sampleFile("h1", 1)
	gone.FilePath = "/mro/gone.zip"
	stays := sampleFile("h2", 1)
	stays.FilePath = "/mro/stays.zip"
	otherNDS := sampleFile("h3", 2)
	otherNDS.FilePath = "/mro/gone.zip"

	_, err := s.UpsertFiles(ctx, []ndsmodel.NDSFile{gone, stays, otherNDS})
	require.NoError(t, err)

	n, err := s.RemoveFilesByPath(ctx, 1, []string{"/mro/gone.zip"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	paths, err := s.ListFiles(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"/mro/stays.zip"}, paths)

	// The same path on a different NDS is untouched.
	otherPaths, err := s.ListFiles(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"/mro/gone.zip"}, otherPaths)
}

func TestNDSConfigCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertNDS(ctx, ndsmodel.NDSConfig{
		Protocol: ndsmodel.ProtocolFTP,
		Address:  "10.0.0.1",
		Port:     21,
		Switch:   1,
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	got, err := s.GetNDS(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", got.Address)
	assert.True(t, got.Enabled())

	require.NoError(t, s.RemoveNDS(ctx, id))
	_, err = s.GetNDS(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResetFile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertFiles(ctx, []ndsmodel.NDSFile{sampleFile("h1", 1)})
	require.NoError(t, err)

	task, err := s.ClaimTask(ctx, 1, "owner-a")
	require.NoError(t, err)
	require.NoError(t, s.UpdateParsed(ctx, task.FileHash, "owner-a", ndsmodel.ParsedError))

	require.NoError(t, s.ResetFile(ctx, task.FileHash))
	pending, err := s.CountPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}
