package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaby/ndsfabric/internal/ndsmodel"
)

type fakeBackend struct {
	configs  []ndsmodel.NDSConfig
	ranges   map[int64][]ndsmodel.TimeRange
	known    map[int64][]string
	pending  map[int64]int
	upserted []ndsmodel.NDSFile
	removed  []string
}

func (f *fakeBackend) ListNDS(ctx context.Context) ([]ndsmodel.NDSConfig, error) { return f.configs, nil }
func (f *fakeBackend) ActiveTimeRanges(ctx context.Context, ndsID int64) ([]ndsmodel.TimeRange, error) {
	return f.ranges[ndsID], nil
}
func (f *fakeBackend) ListFiles(ctx context.Context, ndsID int64) ([]string, error) {
	return f.known[ndsID], nil
}
func (f *fakeBackend) CountPending(ctx context.Context, ndsID int64) (int, error) {
	return f.pending[ndsID], nil
}
func (f *fakeBackend) UpsertFiles(ctx context.Context, files []ndsmodel.NDSFile) (int, error) {
	f.upserted = append(f.upserted, files...)
	return len(files), nil
}
func (f *fakeBackend) RemoveFiles(ctx context.Context, ndsID int64, paths []string) (int, error) {
	f.removed = append(f.removed, paths...)
	return len(paths), nil
}

type fakeGateway struct {
	scanResults map[string][]string
	infoByPath  map[string]*ndsmodel.ArchiveInfo
}

func (f *fakeGateway) Scan(ctx context.Context, ndsID int64, path, filter string) ([]string, error) {
	return f.scanResults[path], nil
}
func (f *fakeGateway) ZipInfo(ctx context.Context, ndsID int64, paths []string) ([]ZipInfoResult, error) {
	out := make([]ZipInfoResult, len(paths))
	for i, p := range paths {
		out[i] = ZipInfoResult{Path: p, Info: f.infoByPath[p]}
	}
	return out, nil
}

func TestScanOnce_BacklogGating(t *testing.T) {
	backend := &fakeBackend{pending: map[int64]int{1: 5}}
	sup := NewSupervisor(backend, &fakeGateway{}, Config{})
	n, err := sup.scanOnce(context.Background(), ndsmodel.NDSConfig{ID: 1, Switch: 1, MROPath: "/mro"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestScanOnce_NoActiveRanges(t *testing.T) {
	backend := &fakeBackend{pending: map[int64]int{}, ranges: map[int64][]ndsmodel.TimeRange{}}
	sup := NewSupervisor(backend, &fakeGateway{}, Config{})
	n, err := sup.scanOnce(context.Background(), ndsmodel.NDSConfig{ID: 1, Switch: 1, MROPath: "/mro"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestScanOnce_DiscoversAndSubmitsFreshArchive(t *testing.T) {
	archivePath := "/mro/FDD-LTE_MRO_ZTE_OMC1_292551_20241220023000.zip"
	backend := &fakeBackend{
		pending: map[int64]int{1: 0},
		ranges: map[int64][]ndsmodel.TimeRange{
			1: {{StartTime: time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC), EndTime: time.Date(2024, 12, 21, 0, 0, 0, 0, time.UTC)}},
		},
		known: map[int64][]string{1: {}},
	}
	gateway := &fakeGateway{
		scanResults: map[string][]string{"/mro": {archivePath}},
		infoByPath: map[string]*ndsmodel.ArchiveInfo{
			archivePath: {
				FilePath: archivePath,
				Members: []ndsmodel.MemberInfo{
					{SubFileName: "FDD-LTE_MRO_ZTE_OMC1_292551_20241220023000.xml", HeaderOffset: 10, CompressSize: 5, FileSize: 20},
				},
			},
		},
	}
	sup := NewSupervisor(backend, gateway, Config{ZipInfoBatchSize: 2})
	n, err := sup.scanOnce(context.Background(), ndsmodel.NDSConfig{ID: 1, Switch: 1, MROPath: "/mro"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, backend.upserted, 1)
	assert.Equal(t, int64(292551), backend.upserted[0].ENodeBID)
	assert.Equal(t, ndsmodel.DataTypeMRO, backend.upserted[0].DataType)
	assert.Equal(t, time.Date(2024, 12, 20, 2, 30, 0, 0, time.UTC), backend.upserted[0].FileTime)
}

func TestScanOnce_SkipsKnownPaths(t *testing.T) {
	archivePath := "/mro/FDD-LTE_MRO_ZTE_OMC1_292551_20241220023000.zip"
	backend := &fakeBackend{
		pending: map[int64]int{1: 0},
		ranges: map[int64][]ndsmodel.TimeRange{
			1: {{StartTime: time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC), EndTime: time.Date(2024, 12, 21, 0, 0, 0, 0, time.UTC)}},
		},
		known: map[int64][]string{1: {archivePath}},
	}
	gateway := &fakeGateway{scanResults: map[string][]string{"/mro": {archivePath}}}
	sup := NewSupervisor(backend, gateway, Config{})
	n, err := sup.scanOnce(context.Background(), ndsmodel.NDSConfig{ID: 1, Switch: 1, MROPath: "/mro"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestScanOnce_RemovesVanishedArchive(t *testing.T) {
	stillThere := "/mro/FDD-LTE_MRO_ZTE_OMC1_292551_20241220023000.zip"
	gone := "/mro/FDD-LTE_MRO_ZTE_OMC1_292552_20241220023000.zip"
	backend := &fakeBackend{
		pending: map[int64]int{1: 0},
		ranges: map[int64][]ndsmodel.TimeRange{
			1: {{StartTime: time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC), EndTime: time.Date(2024, 12, 21, 0, 0, 0, 0, time.UTC)}},
		},
		known: map[int64][]string{1: {stillThere, gone}},
	}
	gateway := &fakeGateway{scanResults: map[string][]string{"/mro": {stillThere}}}
	sup := NewSupervisor(backend, gateway, Config{})
	n, err := sup.scanOnce(context.Background(), ndsmodel.NDSConfig{ID: 1, Switch: 1, MROPath: "/mro"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, []string{gone}, backend.removed)
}

func TestMemberTimeFromPath(t *testing.T) {
	ts, ok := memberTimeFromPath("/mro/FDD-LTE_MRO_ZTE_OMC1_292551_20241220023000.zip")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 12, 20, 2, 30, 0, 0, time.UTC), ts)

	_, ok = memberTimeFromPath("/mro/no-timestamp.zip")
	assert.False(t, ok)
}
