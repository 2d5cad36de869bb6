package trace

import (
	"context"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrRangeNotSatisfiable is returned when an append does not start at the current trace size.
var ErrRangeNotSatisfiable = errors.New("trace range not satisfiable")

// Service maintains the chunked trace of each build. Writes land in the live store; the
// Persister later moves chunks into the archive. Reads prefer the live copy of a chunk.
type Service struct {
	live    ChunkStore
	archive ChunkStore

	mu    sync.Mutex
	locks map[int64]*buildLock
}

type buildLock struct {
	sync.Mutex
	refs int
}

func NewService(live, archive ChunkStore) *Service {
	return &Service{live: live, archive: archive, locks: make(map[int64]*buildLock)}
}

func (s *Service) lock(buildID int64) func() {
	s.mu.Lock()
	l, ok := s.locks[buildID]
	if !ok {
		l = &buildLock{}
		s.locks[buildID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, buildID)
		}
		s.mu.Unlock()
	}
}

// Append writes data at offset and returns the new trace size. offset must equal the
// current size; otherwise the size is returned alongside ErrRangeNotSatisfiable.
func (s *Service) Append(ctx context.Context, buildID, offset int64, data []byte) (int64, error) {
	unlock := s.lock(buildID)
	defer unlock()

	size, err := s.size(ctx, buildID)
	if err != nil {
		return 0, err
	}
	if offset != size {
		return size, errors.Wrapf(ErrRangeNotSatisfiable, "offset %d, size %d", offset, size)
	}
	if len(data) == 0 {
		return size, nil
	}

	index := int(size / ChunkSize)
	var current []byte
	if size%ChunkSize != 0 {
		current, err = s.chunk(ctx, buildID, index)
		if err != nil {
			return 0, err
		}
	}
	current = append(current, data...)
	if err := s.writeChunks(ctx, buildID, index, current); err != nil {
		return 0, err
	}
	return size + int64(len(data)), nil
}

// Overwrite replaces the whole trace with data.
func (s *Service) Overwrite(ctx context.Context, buildID int64, data []byte) error {
	unlock := s.lock(buildID)
	defer unlock()

	for _, store := range []ChunkStore{s.live, s.archive} {
		indexes, err := store.List(ctx, buildID)
		if err != nil {
			return err
		}
		for _, idx := range indexes {
			if err := store.Delete(ctx, buildID, idx); err != nil {
				return err
			}
		}
	}
	if len(data) == 0 {
		return nil
	}
	return s.writeChunks(ctx, buildID, 0, data)
}

// Size returns the number of trace bytes stored for the build.
func (s *Service) Size(ctx context.Context, buildID int64) (int64, error) {
	unlock := s.lock(buildID)
	defer unlock()
	return s.size(ctx, buildID)
}

// LiveChunks returns the indexes still waiting to be archived.
func (s *Service) LiveChunks(ctx context.Context, buildID int64) ([]int, error) {
	return s.live.List(ctx, buildID)
}

// LiveChunksPending reports whether any chunk has not been archived yet.
func (s *Service) LiveChunksPending(ctx context.Context, buildID int64) (bool, error) {
	indexes, err := s.live.List(ctx, buildID)
	if err != nil {
		return false, err
	}
	return len(indexes) > 0, nil
}

// Read returns the full trace.
func (s *Service) Read(ctx context.Context, buildID int64) ([]byte, error) {
	unlock := s.lock(buildID)
	defer unlock()

	indexes, err := s.indexes(ctx, buildID)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, idx := range indexes {
		data, err := s.chunk(ctx, buildID, idx)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// Checksum returns the IEEE CRC32 of the trace formatted as "crc32:%08x".
func (s *Service) Checksum(ctx context.Context, buildID int64) (string, error) {
	data, err := s.Read(ctx, buildID)
	if err != nil {
		return "", err
	}
	return FormatChecksum(data), nil
}

// FormatChecksum renders the checksum runners report for a trace payload.
func FormatChecksum(data []byte) string {
	return fmt.Sprintf("crc32:%08x", crc32.ChecksumIEEE(data))
}

// PersistChunk moves one live chunk to the archive. A chunk that is no longer live is
// treated as already persisted.
func (s *Service) PersistChunk(ctx context.Context, buildID int64, index int) error {
	unlock := s.lock(buildID)
	defer unlock()

	data, err := s.live.Get(ctx, buildID, index)
	if errors.Is(err, ErrChunkNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.archive.Put(ctx, buildID, index, data); err != nil {
		return err
	}
	return s.live.Delete(ctx, buildID, index)
}

// writeChunks splits data into chunks starting at index and stores them in the live store.
func (s *Service) writeChunks(ctx context.Context, buildID int64, index int, data []byte) error {
	for start := 0; start < len(data); start += ChunkSize {
		end := min(start+ChunkSize, len(data))
		if err := s.live.Put(ctx, buildID, index, data[start:end]); err != nil {
			return err
		}
		index++
	}
	return nil
}

func (s *Service) chunk(ctx context.Context, buildID int64, index int) ([]byte, error) {
	data, err := s.live.Get(ctx, buildID, index)
	if err == nil || !errors.Is(err, ErrChunkNotFound) {
		return data, err
	}
	return s.archive.Get(ctx, buildID, index)
}

func (s *Service) indexes(ctx context.Context, buildID int64) ([]int, error) {
	live, err := s.live.List(ctx, buildID)
	if err != nil {
		return nil, err
	}
	archived, err := s.archive.List(ctx, buildID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]struct{}, len(live)+len(archived))
	out := make([]int, 0, len(live)+len(archived))
	for _, idx := range append(live, archived...) {
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out, nil
}

func (s *Service) size(ctx context.Context, buildID int64) (int64, error) {
	indexes, err := s.indexes(ctx, buildID)
	if err != nil {
		return 0, err
	}
	if len(indexes) == 0 {
		return 0, nil
	}
	last := indexes[len(indexes)-1]
	data, err := s.chunk(ctx, buildID, last)
	if err != nil {
		return 0, err
	}
	return int64(last)*ChunkSize + int64(len(data)), nil
}
