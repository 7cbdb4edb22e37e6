package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/tma-bot/internal/models"
)

type MemoryStorage struct {
	mu          sync.RWMutex
	users       map[int64]*models.User
	sessions    map[string]*models.Session
	messages    map[string][]*models.Message
	analyses    map[string]*models.Analysis
	comparisons map[string]*models.Comparison
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:       make(map[int64]*models.User),
		sessions:    make(map[string]*models.Session),
		messages:    make(map[string][]*models.Message),
		analyses:    make(map[string]*models.Analysis),
		comparisons: make(map[string]*models.Comparison),
	}
}

// User methods
func (s *MemoryStorage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if user, exists := s.users[id]; exists {
		u := *user
		return &u, nil
	}
	return &models.User{
		ID:         id,
		LastUsedAt: time.Now(),
	}, nil
}

func (s *MemoryStorage) UpdateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user.LastUsedAt = time.Now()
	u := *user
	s.users[user.ID] = &u
	return nil
}

// Session methods
func (s *MemoryStorage) CreateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *MemoryStorage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return cloneSession(session), nil
}

func (s *MemoryStorage) UpdateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; !exists {
		return fmt.Errorf("session %s: %w", session.ID, ErrNotFound)
	}
	session.UpdatedAt = time.Now()
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *MemoryStorage) TouchSession(ctx context.Context, id string, added int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	session.State.MessageCount += added
	session.State.LastMessageAt = at
	session.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStorage) ListSessions(ctx context.Context, userID int64, limit int) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Session
	for _, session := range s.sessions {
		if session.UserID == userID {
			out = append(out, cloneSession(session))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Message methods
func (s *MemoryStorage) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[msg.SessionID]; !exists {
		return fmt.Errorf("session %s: %w", msg.SessionID, ErrNotFound)
	}
	existing := s.messages[msg.SessionID]
	msg.Order = 1
	if n := len(existing); n > 0 {
		msg.Order = existing[n-1].Order + 1
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m := *msg
	s.messages[msg.SessionID] = append(existing, &m)
	return nil
}

// GetSessionMessages returns the most recent messages in ascending order.
func (s *MemoryStorage) GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.Message, len(msgs))
	for i, m := range msgs {
		c := *m
		out[i] = &c
	}
	return out, nil
}

// Context record methods
func (s *MemoryStorage) GetAnalysis(ctx context.Context, id string) (*models.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.analyses[id]
	if !exists {
		return nil, fmt.Errorf("analysis %s: %w", id, ErrNotFound)
	}
	c := *a
	return &c, nil
}

func (s *MemoryStorage) SaveAnalysis(ctx context.Context, analysis *models.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if analysis.CreatedAt.IsZero() {
		analysis.CreatedAt = time.Now()
	}
	c := *analysis
	s.analyses[analysis.ID] = &c
	return nil
}

func (s *MemoryStorage) GetComparison(ctx context.Context, id string) (*models.Comparison, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cmp, exists := s.comparisons[id]
	if !exists {
		return nil, fmt.Errorf("comparison %s: %w", id, ErrNotFound)
	}
	c := *cmp
	return &c, nil
}

func (s *MemoryStorage) SaveComparison(ctx context.Context, comparison *models.Comparison) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if comparison.CreatedAt.IsZero() {
		comparison.CreatedAt = time.Now()
	}
	c := *comparison
	s.comparisons[comparison.ID] = &c
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

func cloneSession(in *models.Session) *models.Session {
	out := *in
	if in.LinkedAnalysisID != nil {
		id := *in.LinkedAnalysisID
		out.LinkedAnalysisID = &id
	}
	if in.LinkedComparisonID != nil {
		id := *in.LinkedComparisonID
		out.LinkedComparisonID = &id
	}
	return &out
}
