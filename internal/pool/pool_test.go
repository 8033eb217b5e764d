package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaby/ndsfabric/internal/ndsclient"
	"github.com/gaby/ndsfabric/internal/ndsmodel"
	"github.com/gaby/ndsfabric/internal/pipelineerr"
)

// fakeClient satisfies ndsclient.Client for pool tests without any real
// network dial.
type fakeClient struct {
	closed int32
	alive  bool
}

func (f *fakeClient) CheckAlive(ctx context.Context) error {
	if !f.alive {
		return pipelineerr.Sentinel(pipelineerr.KindConnectFailed)
	}
	return nil
}
func (f *fakeClient) Close() error {
	atomic.StoreInt32(&f.closed, 1)
	return nil
}
func (f *fakeClient) ListRecursive(ctx context.Context, path, filter string) ([]string, error) {
	return nil, nil
}
func (f *fakeClient) Stat(ctx context.Context, path string) (ndsclient.FileStat, error) {
	return ndsclient.FileStat{}, nil
}
func (f *fakeClient) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	return nil, nil
}
func (f *fakeClient) ParseZipCentralDirectory(ctx context.Context, path string) (*ndsmodel.ArchiveInfo, error) {
	return nil, nil
}

func TestAcquire_NotConfigured(t *testing.T) {
	r := NewRegistry(time.Minute, time.Minute)
	_, err := r.Acquire(context.Background(), 999)
	assert.Error(t, err)
	assert.ErrorIs(t, err, pipelineerr.Sentinel(pipelineerr.KindNotConfigured))
}

func TestAcquireRelease_ReusesHealthyIdle(t *testing.T) {
	r := NewRegistry(time.Minute, time.Minute)
	r.AddServer(1, ndsclient.Config{Protocol: ndsmodel.ProtocolFTP}, 2)

	fc := &fakeClient{alive: true}
	r.mu.RLock()
	p := r.pools[1]
	r.mu.RUnlock()
	p.idle = append(p.idle, idleConn{client: fc, returned: time.Now()})
	p.created = 1

	got, err := r.Acquire(context.Background(), 1)
	require.NoError(t, err)
	assert.Same(t, fc, got)

	r.Release(context.Background(), 1, got)
	p.mu.Lock()
	n := len(p.idle)
	p.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestRelease_DropsDeadConnection(t *testing.T) {
	r := NewRegistry(time.Minute, time.Minute)
	r.AddServer(1, ndsclient.Config{Protocol: ndsmodel.ProtocolFTP}, 2)

	fc := &fakeClient{alive: false}
	r.mu.RLock()
	p := r.pools[1]
	r.mu.RUnlock()
	p.created = 1

	r.Release(context.Background(), 1, fc)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fc.closed))
	p.mu.Lock()
	n := len(p.idle)
	created := p.created
	p.mu.Unlock()
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, created)
}

func TestRemoveServer_DrainsIdleAndBlocksFutureAcquire(t *testing.T) {
	r := NewRegistry(time.Minute, time.Minute)
	r.AddServer(1, ndsclient.Config{Protocol: ndsmodel.ProtocolFTP}, 2)

	fc := &fakeClient{alive: true}
	r.mu.RLock()
	p := r.pools[1]
	r.mu.RUnlock()
	p.idle = append(p.idle, idleConn{client: fc, returned: time.Now()})

	r.RemoveServer(1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fc.closed))

	_, err := r.Acquire(context.Background(), 1)
	assert.Error(t, err)
}

func TestSweep_EvictsStaleIdleConnections(t *testing.T) {
	r := NewRegistry(10*time.Millisecond, time.Hour)
	r.AddServer(1, ndsclient.Config{Protocol: ndsmodel.ProtocolFTP}, 2)

	fc := &fakeClient{alive: true}
	r.mu.RLock()
	p := r.pools[1]
	r.mu.RUnlock()
	p.idle = append(p.idle, idleConn{client: fc, returned: time.Now().Add(-time.Hour)})
	p.created = 1

	r.sweep()
	assert.Equal(t, int32(1), atomic.LoadInt32(&fc.closed))
	p.mu.Lock()
	n := len(p.idle)
	p.mu.Unlock()
	assert.Equal(t, 0, n)
}

func TestAcquire_BlocksUntilContextCancelledWhenFull(t *testing.T) {
	r := NewRegistry(time.Minute, time.Minute)
	r.AddServer(1, ndsclient.Config{Protocol: ndsmodel.ProtocolFTP}, 1)
	r.mu.RLock()
	p := r.pools[1]
	r.mu.RUnlock()
	p.created = 1 // simulate the single slot already checked out

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = r.Acquire(ctx, 1)
	}()
	wg.Wait()
	assert.Error(t, err)
}
