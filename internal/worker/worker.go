// Package worker implements the push-model task consumer described in
// §4.5/§4.6: poll the Backend for a lease, stream the claimed member's bytes
// from the Gateway over WebSocket, decode them, and report a terminal
// Parsed state. Concurrency is a fixed pool of capacity tokens gating how
// many tasks run at once, generalizing the teacher's runner.Run (a
// ticker-driven claim loop dispatching onto a bounded semaphore channel by
// job type) from "one job type, one decode path" to "one DataType, one
// decoder" via the Decoder interface.
package worker

import (
	"context"
	"errors"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gaby/ndsfabric/internal/ndsmodel"
	"github.com/gaby/ndsfabric/internal/pipelineerr"
)

// ErrNoTask is returned by BackendClient.ClaimTask when nothing is pending.
// It is not a pipelineerr.Error because it isn't a failure crossing a
// component boundary — it's the expected steady state of an idle fabric.
var ErrNoTask = errors.New("worker: no eligible task")

const module = "worker"

// BackendClient is the Worker's view of the Backend HTTP API.
type BackendClient interface {
	ClaimTask(ctx context.Context, taskUUID string) (*ndsmodel.NDSFile, error)
	UpdateParsed(ctx context.Context, fileHash, taskUUID string, state ndsmodel.Parsed) error
}

// GatewayClient is the Worker's view of the Gateway's streaming read API.
type GatewayClient interface {
	FetchBytes(ctx context.Context, ndsID int64, path string, offset, length int64) ([]byte, error)
}

// Decoder turns raw archive-member bytes into however many records the
// analytics store would ingest. The analytics insert itself is out of
// scope (§ Non-goals); Decoder's job ends at "this payload is well-formed
// and yielded N records," which is what Parsed-state reporting needs.
type Decoder interface {
	Decode(ctx context.Context, dataType ndsmodel.DataType, compressType uint16, data []byte) (recordCount int, err error)
}

// Config tunes the Worker's concurrency and polling.
type Config struct {
	Capacity     int
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 2*runtime.NumCPU() - 1
		if c.Capacity < 1 {
			c.Capacity = 1
		}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 1 * time.Second
	}
	return c
}

// Pool is the Worker's push-model task loop: it claims a task only when a
// capacity token is free, runs the decode on its own goroutine, and returns
// the token on completion — the same "acquire a slot before claiming work"
// shape as the teacher's runner, except the semaphore gates NDSFile claims
// instead of upload jobs.
type Pool struct {
	backend BackendClient
	gateway GatewayClient
	decoder Decoder
	cfg     Config
	tokens  chan struct{}

	statusMu sync.Mutex
	active   int
	done     int64
	failed   int64
}

// NewPool builds a worker Pool with a capacity-sized token channel.
func NewPool(backend BackendClient, gateway GatewayClient, decoder Decoder, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		backend: backend,
		gateway: gateway,
		decoder: decoder,
		cfg:     cfg,
		tokens:  make(chan struct{}, cfg.Capacity),
	}
}

// Status is a point-in-time snapshot for the operator-facing status surface.
type Status struct {
	Capacity int   `json:"capacity"`
	Active   int   `json:"active"`
	Done     int64 `json:"done"`
	Failed   int64 `json:"failed"`
}

func (p *Pool) Status() Status {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	return Status{Capacity: p.cfg.Capacity, Active: p.active, Done: p.done, Failed: p.failed}
}

// Run is the Worker's main loop: block for a free capacity token, claim one
// task, and process it on its own goroutine, until ctx is cancelled. Unlike
// a fixed poll-then-sleep loop, capacity tokens mean the Worker claims work
// as fast as it can actually process it — true push-model back-pressure
// rather than a fixed rate.
func (p *Pool) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p.tokens <- struct{}{}:
		}

		task, err := p.claim(ctx)
		if err != nil {
			<-p.tokens
			if !errors.Is(err, ErrNoTask) && !errors.Is(err, context.Canceled) {
				log.Printf("worker: claim failed: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		p.statusMu.Lock()
		p.active++
		p.statusMu.Unlock()

		go func(t *ndsmodel.NDSFile) {
			defer func() {
				<-p.tokens
				p.statusMu.Lock()
				p.active--
				p.statusMu.Unlock()
			}()
			p.process(ctx, t)
		}(task)
	}
}

func (p *Pool) claim(ctx context.Context) (*ndsmodel.NDSFile, error) {
	return p.backend.ClaimTask(ctx, uuid.NewString())
}

// process fetches the claimed member's bytes, decodes them, and reports the
// terminal Parsed state (§4.5/§4.6): Done on success, SourceMissing when the
// archive vanished underneath us, Error on any decode failure.
func (p *Pool) process(ctx context.Context, task *ndsmodel.NDSFile) {
	data, err := p.gateway.FetchBytes(ctx, task.NDSID, task.FilePath, task.HeaderOffset, task.CompressSize)
	if err != nil {
		state := ndsmodel.ParsedError
		if pe, ok := err.(*pipelineerr.Error); ok && pe.Kind == pipelineerr.KindSourceMissing {
			state = ndsmodel.ParsedSourceMissing
		}
		p.report(ctx, task, state, 1)
		return
	}

	if _, err := p.decoder.Decode(ctx, task.DataType, task.CompressType, data); err != nil {
		p.report(ctx, task, ndsmodel.ParsedError, 1)
		return
	}
	p.report(ctx, task, ndsmodel.ParsedDone, 0)
}

func (p *Pool) report(ctx context.Context, task *ndsmodel.NDSFile, state ndsmodel.Parsed, failedDelta int64) {
	if err := p.backend.UpdateParsed(ctx, task.FileHash, task.TaskUUID, state); err != nil {
		log.Printf("worker: report parsed state for %s failed: %v", task.FileHash, err)
	}
	p.statusMu.Lock()
	if failedDelta > 0 {
		p.failed++
	} else {
		p.done++
	}
	p.statusMu.Unlock()
}
