package worker

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaby/ndsfabric/internal/ndsmodel"
)

type fakeBackend struct {
	mu      sync.Mutex
	tasks   []*ndsmodel.NDSFile
	reports []reportedState
}

type reportedState struct {
	fileHash, taskUUID string
	state              ndsmodel.Parsed
}

func (f *fakeBackend) ClaimTask(ctx context.Context, taskUUID string) (*ndsmodel.NDSFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tasks) == 0 {
		return nil, ErrNoTask
	}
	t := f.tasks[0]
	f.tasks = f.tasks[1:]
	t.TaskUUID = taskUUID
	return t, nil
}

func (f *fakeBackend) UpdateParsed(ctx context.Context, fileHash, taskUUID string, state ndsmodel.Parsed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, reportedState{fileHash, taskUUID, state})
	return nil
}

type fakeGateway struct {
	bytesByPath map[string][]byte
}

func (f *fakeGateway) FetchBytes(ctx context.Context, ndsID int64, path string, offset, length int64) ([]byte, error) {
	return f.bytesByPath[path], nil
}

type fakeDecoder struct {
	shouldFail bool
}

func (d fakeDecoder) Decode(ctx context.Context, dataType ndsmodel.DataType, compressType uint16, data []byte) (int, error) {
	if d.shouldFail {
		return 0, assert.AnError
	}
	return len(data), nil
}

func TestPool_ProcessesClaimedTaskToDone(t *testing.T) {
	backend := &fakeBackend{tasks: []*ndsmodel.NDSFile{
		{FileHash: "h1", FilePath: "/mro/a.zip", DataType: ndsmodel.DataTypeMRO},
	}}
	gateway := &fakeGateway{bytesByPath: map[string][]byte{"/mro/a.zip": []byte("payload")}}
	pool := NewPool(backend, gateway, fakeDecoder{}, Config{Capacity: 1, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	pool.Run(ctx)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.reports, 1)
	assert.Equal(t, ndsmodel.ParsedDone, backend.reports[0].state)
}

func TestPool_ReportsErrorOnDecodeFailure(t *testing.T) {
	backend := &fakeBackend{tasks: []*ndsmodel.NDSFile{
		{FileHash: "h1", FilePath: "/mro/a.zip", DataType: ndsmodel.DataTypeMRO},
	}}
	gateway := &fakeGateway{bytesByPath: map[string][]byte{"/mro/a.zip": []byte("payload")}}
	pool := NewPool(backend, gateway, fakeDecoder{shouldFail: true}, Config{Capacity: 1, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	pool.Run(ctx)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.reports, 1)
	assert.Equal(t, ndsmodel.ParsedError, backend.reports[0].state)
}

func TestDefaultDecoder_MRO(t *testing.T) {
	d := DefaultDecoder{}
	xmlPayload := []byte(`<Report><Measurement id="1"/><Measurement id="2"/></Report>`)
	n, err := d.Decode(context.Background(), ndsmodel.DataTypeMRO, 0, xmlPayload)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = d.Decode(context.Background(), ndsmodel.DataTypeMRO, 0, []byte("not xml <<<"))
	assert.Error(t, err)
}

func TestDefaultDecoder_MDT(t *testing.T) {
	d := DefaultDecoder{}
	csvPayload := []byte("a,b,c\n1,2,3\n4,5,6\n")
	n, err := d.Decode(context.Background(), ndsmodel.DataTypeMDT, 0, csvPayload)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDefaultDecoder_InflatesDeflatedMember(t *testing.T) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write([]byte(`<Report><Measurement id="1"/></Report>`))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	d := DefaultDecoder{}
	n, err := d.Decode(context.Background(), ndsmodel.DataTypeMRO, compressMethodDeflate, buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDefaultDecoder_UnsupportedCompressionMethod(t *testing.T) {
	d := DefaultDecoder{}
	_, err := d.Decode(context.Background(), ndsmodel.DataTypeMRO, 99, []byte("whatever"))
	assert.Error(t, err)
}
