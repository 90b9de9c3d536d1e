package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Static errors for the upload protocol
var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrUnknownSession   = errors.New("unknown upload session")
	ErrIncompleteUpload = errors.New("incomplete upload")
)

// Status of an upload session
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Session is the server-side state of one chunked upload
type Session struct {
	ID            string        `json:"session_id"`
	Filename      string        `json:"filename"`
	ExpectedSize  int64         `json:"expected_size,omitempty"` // 0 when the client only declared a chunk count
	ChunkSize     int64         `json:"chunk_size"`
	ChunkCount    int           `json:"chunk_count"`
	Received      map[int]int64 `json:"-"` // index -> bytes
	Status        Status        `json:"status"`
	Claimed       bool          `json:"claimed"`
	AssembledPath string        `json:"-"`
	AssembledSize int64         `json:"assembled_size,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// Missing returns the indices in [0, ChunkCount) that have not arrived yet
func (s *Session) Missing() []int {
	var missing []int
	for i := 0; i < s.ChunkCount; i++ {
		if _, ok := s.Received[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// ReceivedBytes sums the sizes of all received chunks
func (s *Session) ReceivedBytes() int64 {
	var total int64
	for _, n := range s.Received {
		total += n
	}
	return total
}

func (s *Session) clone() *Session {
	c := *s
	c.Received = make(map[int]int64, len(s.Received))
	for k, v := range s.Received {
		c.Received[k] = v
	}
	return &c
}

// IncompleteError lists what prevents a session from completing
type IncompleteError struct {
	SessionID    string
	Missing      []int
	DeclaredSize int64
	ActualSize   int64
}

func (e *IncompleteError) Error() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("%s: session %s assembled %d bytes, declared %d",
			ErrIncompleteUpload, e.SessionID, e.ActualSize, e.DeclaredSize)
	}

	shown := e.Missing
	if len(shown) > 10 {
		shown = shown[:10]
	}
	parts := make([]string, len(shown))
	for i, idx := range shown {
		parts[i] = fmt.Sprint(idx)
	}
	suffix := ""
	if len(e.Missing) > len(shown) {
		suffix = fmt.Sprintf(" (+%d more)", len(e.Missing)-len(shown))
	}
	return fmt.Sprintf("%s: session %s missing chunks [%s]%s",
		ErrIncompleteUpload, e.SessionID, strings.Join(parts, ", "), suffix)
}

func (e *IncompleteError) Unwrap() error {
	return ErrIncompleteUpload
}

// SessionStore persists session state. Chunk arrivals are recorded through
// RecordChunk so that concurrent arrivals never overwrite each other.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	RecordChunk(ctx context.Context, id string, index int, size int64) error
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	ListExpired(ctx context.Context, now time.Time) ([]string, error)
}

// MemorySessionStore is the single-process SessionStore
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemorySessionStore creates an empty store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*Session),
	}
}

func (m *MemorySessionStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	m.sessions[s.ID] = s.clone()
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s.clone(), nil
}

func (m *MemorySessionStore) RecordChunk(_ context.Context, id string, index int, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	s.Received[index] = size
	return nil
}

// Save stores everything except the received set, which only RecordChunk mutates
func (m *MemorySessionStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[s.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, s.ID)
	}
	updated := s.clone()
	updated.Received = existing.Received
	m.sessions[s.ID] = updated
	return nil
}

func (m *MemorySessionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

func (m *MemorySessionStore) ListExpired(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
