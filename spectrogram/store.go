package spectrogram

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrReserved is returned by Push and Append under PolicyRefuse when the slot
// about to be overwritten still belongs to a live reservation.
var ErrReserved = errors.New("spectrogram: slot still reserved")

// ErrNotAllocated is returned when the store is used before Resize.
var ErrNotAllocated = errors.New("spectrogram: store not allocated")

// Policy selects what Push does when it wraps onto reserved rows.
type Policy int

const (
	// PolicyDetect overwrites and flags the affected reservations dirty.
	PolicyDetect Policy = iota
	// PolicyRefuse refuses to advance while the slot is reserved.
	PolicyRefuse
)

// ParsePolicy converts a configuration string into a Policy
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "detect":
		return PolicyDetect, nil
	case "refuse":
		return PolicyRefuse, nil
	default:
		return PolicyDetect, fmt.Errorf("unknown overwrite policy: %s", s)
	}
}

func (p Policy) String() string {
	if p == PolicyRefuse {
		return "refuse"
	}
	return "detect"
}

type reservation struct {
	start, end int64
	alive      bool
	dirty      bool
}

// Store is a circular buffer of fixed-width float32 rows split into chunks.
// Rows are addressed by logical marks that grow monotonically from zero;
// mark m lives in slot m mod Capacity().
//
// The head and the reservation table are protected by an internal mutex.
// Row payloads are not: a reader must only touch rows it has reserved or
// rows the producer has finished writing.
type Store struct {
	mu sync.Mutex

	chunks       [][]float32
	width        int
	rowsPerChunk int
	capacity     int64
	head         int64
	policy       Policy

	reservations []reservation
	free         []int
	dirtied      uint64
}

// NewStore creates an empty store. Resize must be called before use.
func NewStore(policy Policy) *Store {
	return &Store{policy: policy}
}

// Resize discards all rows and reservations and allocates room for at least
// minCapacity rows of width values. A chunk holds as many rows as fit in
// chunkBytes, but never fewer than one.
func (s *Store) Resize(width, chunkBytes, minCapacity int) error {
	if width <= 0 {
		return fmt.Errorf("invalid row width: %d", width)
	}
	if minCapacity <= 0 {
		return fmt.Errorf("invalid capacity: %d", minCapacity)
	}
	if chunkBytes < 0 {
		return fmt.Errorf("invalid chunk size: %d", chunkBytes)
	}

	rowsPerChunk := chunkBytes / (width * 4)
	if rowsPerChunk < 1 {
		rowsPerChunk = 1
	}
	numChunks := (minCapacity + rowsPerChunk - 1) / rowsPerChunk

	chunks := make([][]float32, numChunks)
	for i := range chunks {
		chunks[i] = make([]float32, rowsPerChunk*width)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.chunks = chunks
	s.width = width
	s.rowsPerChunk = rowsPerChunk
	s.capacity = int64(numChunks * rowsPerChunk)
	s.head = 0
	s.reservations = s.reservations[:0]
	s.free = s.free[:0]
	s.dirtied = 0
	return nil
}

// Push advances the head by one row and returns the row to fill.
func (s *Store) Push() ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.advance()
}

// Append copies len(values)/Width() rows into the store in one critical
// section and returns the mark of the first appended row. Trailing values
// that do not fill a row are ignored. Under PolicyRefuse it stops at the
// first reserved slot and returns ErrReserved along with what was written.
func (s *Store) Append(values []float32) (int64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.head
	if s.capacity == 0 {
		return first, 0, ErrNotAllocated
	}
	rows := len(values) / s.width
	for i := 0; i < rows; i++ {
		row, err := s.advance()
		if err != nil {
			return first, i, err
		}
		copy(row, values[i*s.width:(i+1)*s.width])
	}
	return first, rows, nil
}

// advance must be called with s.mu held.
func (s *Store) advance() ([]float32, error) {
	if s.capacity == 0 {
		return nil, ErrNotAllocated
	}

	mark := s.head
	if mark >= s.capacity {
		overwritten := mark - s.capacity
		for i := range s.reservations {
			r := &s.reservations[i]
			if !r.alive || overwritten < r.start || overwritten >= r.end {
				continue
			}
			if s.policy == PolicyRefuse {
				return nil, ErrReserved
			}
			if !r.dirty {
				r.dirty = true
				s.dirtied++
			}
		}
	}

	s.head++
	return s.row(mark), nil
}

func (s *Store) row(mark int64) []float32 {
	idx := mark % s.capacity
	if idx < 0 {
		idx += s.capacity
	}
	chunk := int(idx) / s.rowsPerChunk
	offset := (int(idx) % s.rowsPerChunk) * s.width
	return s.chunks[chunk][offset : offset+s.width]
}

// At returns the row stored for mark without checking that it was written
// or is still present. It must not race with Resize.
func (s *Store) At(mark int64) []float32 {
	if s.capacity == 0 {
		return nil
	}
	return s.row(mark)
}

// Mark returns the mark the next Push will write.
func (s *Store) Mark() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// Size returns how many rows from start up to the head are still stored.
func (s *Store) Size(start int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.span(start, s.head)
}

// SizeBetween returns the number of rows in [start, end), capped at capacity.
func (s *Store) SizeBetween(start, end int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.span(start, end)
}

func (s *Store) span(start, end int64) int {
	n := end - start
	if n < 0 {
		return 0
	}
	if n > s.capacity {
		return int(s.capacity)
	}
	return int(n)
}

// Oldest returns the mark of the oldest row still stored.
func (s *Store) Oldest() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head > s.capacity {
		return s.head - s.capacity
	}
	return 0
}

// Len returns the number of rows currently stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.span(0, s.head)
}

func (s *Store) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.capacity)
}

func (s *Store) Width() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width
}

// Bytes returns the size of the allocated row storage.
func (s *Store) Bytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.capacity) * uint64(s.width) * 4
}

func (s *Store) Policy() Policy {
	return s.policy
}

// Reserve leases the mark range [start, end) and returns its handle.
func (s *Store) Reserve(start, end int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := reservation{start: start, end: end, alive: true}
	if n := len(s.free); n > 0 {
		h := s.free[n-1]
		s.free = s.free[:n-1]
		s.reservations[h] = r
		return h
	}
	s.reservations = append(s.reservations, r)
	return len(s.reservations) - 1
}

// Free releases a reservation. It reports false for unknown or already
// released handles.
func (s *Store) Free(handle int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if handle < 0 || handle >= len(s.reservations) || !s.reservations[handle].alive {
		return false
	}
	s.reservations[handle] = reservation{}
	s.free = append(s.free, handle)
	return true
}

// IsDirty reports whether any row of the reservation has been overwritten.
func (s *Store) IsDirty(handle int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if handle < 0 || handle >= len(s.reservations) {
		return false
	}
	r := s.reservations[handle]
	return r.alive && r.dirty
}

// LiveReservations returns the number of unreleased reservations.
func (s *Store) LiveReservations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reservations) - len(s.free)
}

// Dirtied returns how many reservations have been flagged dirty since Resize.
func (s *Store) Dirtied() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirtied
}
