package trace

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// ChunkSize is the size of every trace chunk except the last one.
const ChunkSize = 128 * 1024

// ErrChunkNotFound is returned when a chunk index has no data.
var ErrChunkNotFound = errors.New("trace chunk not found")

// ChunkStore holds trace chunks addressed by build and index. Live chunks sit in a fast
// store while the build runs and are moved to an archive store by the Persister.
type ChunkStore interface {
	Put(ctx context.Context, buildID int64, index int, data []byte) error
	Get(ctx context.Context, buildID int64, index int) ([]byte, error)
	// List returns the stored indexes in ascending order.
	List(ctx context.Context, buildID int64) ([]int, error)
	Delete(ctx context.Context, buildID int64, index int) error
}

// MemoryChunkStore keeps chunks in process.
type MemoryChunkStore struct {
	mu     sync.RWMutex
	chunks map[int64]map[int][]byte
}

func NewMemoryChunkStore() *MemoryChunkStore {
	return &MemoryChunkStore{chunks: make(map[int64]map[int][]byte)}
}

func (s *MemoryChunkStore) Put(_ context.Context, buildID int64, index int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	build, ok := s.chunks[buildID]
	if !ok {
		build = make(map[int][]byte)
		s.chunks[buildID] = build
	}
	build[index] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryChunkStore) Get(_ context.Context, buildID int64, index int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.chunks[buildID][index]
	if !ok {
		return nil, errors.Wrapf(ErrChunkNotFound, "build %d chunk %d", buildID, index)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryChunkStore) List(_ context.Context, buildID int64) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.chunks[buildID]))
	for idx := range s.chunks[buildID] {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out, nil
}

func (s *MemoryChunkStore) Delete(_ context.Context, buildID int64, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks[buildID], index)
	if len(s.chunks[buildID]) == 0 {
		delete(s.chunks, buildID)
	}
	return nil
}

var _ ChunkStore = (*MemoryChunkStore)(nil)
