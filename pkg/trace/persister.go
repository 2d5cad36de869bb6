package trace

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"

	"github.com/vyvo/ci/backend/pkg/logger"
)

const (
	persistMaxElapsed  = 30 * time.Second
	persistMaxInterval = 5 * time.Second
	persistQueueSize   = 1024
)

type persistJob struct {
	buildID int64
	index   int
}

// Persister moves live chunks into the archive on a pool of workers. A chunk already
// waiting or being written is not scheduled twice.
type Persister struct {
	svc     *Service
	workers int
	jobs    chan persistJob

	mu       sync.Mutex
	inflight map[persistJob]struct{}
	closed   bool

	wg          sync.WaitGroup
	maxElapsed  time.Duration
	maxInterval time.Duration
}

func NewPersister(svc *Service, workers int) *Persister {
	if workers < 1 {
		workers = 1
	}
	return &Persister{
		svc:         svc,
		workers:     workers,
		jobs:        make(chan persistJob, persistQueueSize),
		inflight:    make(map[persistJob]struct{}),
		maxElapsed:  persistMaxElapsed,
		maxInterval: persistMaxInterval,
	}
}

// Start launches the workers. They exit once Close drains the queue or ctx is done.
func (p *Persister) Start(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().Int("workers", p.workers).Msg("trace persister starting")
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
}

func (p *Persister) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			if err := p.PersistNow(ctx, job.buildID, job.index); err != nil {
				logger.FromContext(ctx).Error().Err(err).
					Int64("build_id", job.buildID).
					Int("chunk", job.index).
					Msg("persist trace chunk failed")
			}
			p.mu.Lock()
			delete(p.inflight, job)
			p.mu.Unlock()
		}
	}
}

// Schedule queues one chunk for archiving. It returns false when the chunk is already
// queued or the queue cannot take more work.
func (p *Persister) Schedule(ctx context.Context, buildID int64, index int) bool {
	job := persistJob{buildID: buildID, index: index}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if _, ok := p.inflight[job]; ok {
		return false
	}
	select {
	case p.jobs <- job:
		p.inflight[job] = struct{}{}
		return true
	case <-ctx.Done():
		return false
	default:
		logger.FromContext(ctx).Warn().Int64("build_id", buildID).Int("chunk", index).Msg("trace persist queue full")
		return false
	}
}

// PersistNow archives one chunk synchronously, retrying with exponential backoff.
func (p *Persister) PersistNow(ctx context.Context, buildID int64, index int) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = p.maxElapsed
	b.MaxInterval = p.maxInterval
	err := backoff.Retry(func() error {
		return p.svc.PersistChunk(ctx, buildID, index)
	}, backoff.WithContext(b, ctx))
	return errors.Wrapf(err, "persist chunk %d/%d", buildID, index)
}

// PersistAll archives every live chunk of the build synchronously.
func (p *Persister) PersistAll(ctx context.Context, buildID int64) error {
	indexes, err := p.svc.LiveChunks(ctx, buildID)
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if err := p.PersistNow(ctx, buildID, idx); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting work and waits for queued chunks to be written.
func (p *Persister) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
