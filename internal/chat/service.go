// Package chat runs one conversational turn end to end: breaker check,
// context lookup, backend call, persistence, and render selection.
package chat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/tma-bot/internal/assistant"
	"github.com/xaenox/tma-bot/internal/dispatch"
	"github.com/xaenox/tma-bot/internal/guard"
	"github.com/xaenox/tma-bot/internal/models"
	"github.com/xaenox/tma-bot/internal/session"
	"github.com/xaenox/tma-bot/internal/storage"
	"go.uber.org/zap"
)

const (
	DefaultTimeout      = 12 * time.Second
	DefaultHistoryLimit = 20
)

// ErrProfileUnavailable blocks chatting until the user profile loads.
var ErrProfileUnavailable = errors.New("profile unavailable")

// ErrBusy is returned when a turn is already running for the session.
var ErrBusy = errors.New("turn already in progress")

type Config struct {
	Timeout      time.Duration
	HistoryLimit int
}

type Service struct {
	store    storage.Storage
	backend  assistant.Backend
	guards   *guard.Registry
	contexts *session.Manager
	selector *dispatch.Selector
	cfg      Config
	logger   *zap.Logger

	mu        sync.Mutex
	inFlight  map[string]bool
	userLocks map[int64]*sync.Mutex
}

func NewService(
	store storage.Storage,
	backend assistant.Backend,
	guards *guard.Registry,
	contexts *session.Manager,
	selector *dispatch.Selector,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Service{
		store:     store,
		backend:   backend,
		guards:    guards,
		contexts:  contexts,
		selector:  selector,
		cfg:       cfg,
		logger:    logger,
		inFlight:  make(map[string]bool),
		userLocks: make(map[int64]*sync.Mutex),
	}
}

// Request is one user message addressed to the assistant.
type Request struct {
	UserID   int64
	UserName string
	Content  string
	// Intent overrides keyword detection when set.
	Intent models.MessageType
}

// Result is what the front end renders for a turn. Reply is nil when
// the backend was not reached or failed; Notice then carries the text
// to show the user.
type Result struct {
	Session *models.Session
	Reply   *dispatch.Instruction
	Notice  string
}

// Send runs a turn for the user's active session. Errors returned here
// are infrastructure failures the caller should report generically;
// backend failures come back as a Notice.
func (s *Service) Send(ctx context.Context, req Request) (*Result, error) {
	user, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		s.logger.Error("Failed to load user profile",
			zap.Error(err),
			zap.Int64("user_id", req.UserID))
		return nil, fmt.Errorf("%w: %v", ErrProfileUnavailable, err)
	}

	sess, err := s.ActiveSession(ctx, user)
	if err != nil {
		return nil, err
	}

	if !s.acquire(sess.ID) {
		return nil, ErrBusy
	}
	defer s.release(sess.ID)

	g := s.guards.Get(sess.ID)
	if !g.IsCallAllowed() {
		wait := int(math.Ceil(g.RetryAfter().Seconds()))
		return &Result{Session: sess, Notice: circuitOpenNotice(wait)}, nil
	}

	history, err := s.store.GetSessionMessages(ctx, sess.ID, s.cfg.HistoryLimit)
	if err != nil {
		s.logger.Warn("Failed to load history",
			zap.Error(err),
			zap.String("session_id", sess.ID))
		history = nil
	}

	userMsg := &models.Message{
		ID:          uuid.New().String(),
		SessionID:   sess.ID,
		Sender:      models.SenderUser,
		Content:     req.Content,
		MessageType: models.TypeText,
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}

	intent := req.Intent
	if intent == "" {
		intent = assistant.DetectIntent(req.Content)
	}
	linked := s.contexts.LoadContext(ctx, sess)

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	reply, err := s.backend.Reply(callCtx, assistant.Turn{
		SessionID:   sess.ID,
		UserName:    req.UserName,
		Content:     req.Content,
		History:     history,
		ContextNote: linked.PromptSummary(),
		Intent:      intent,
	})
	cancel()
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = &assistant.BackendError{Kind: assistant.KindTimeout, Err: err}
		}
		g.RecordFailure(err)
		s.logger.Warn("Assistant call failed",
			zap.Error(err),
			zap.String("session_id", sess.ID),
			zap.Int("failures", g.State().FailureCount))
		s.touch(ctx, sess, 1)
		return &Result{Session: sess, Notice: failureNotice(err)}, nil
	}
	g.RecordSuccess()

	botMsg := &models.Message{
		ID:          uuid.New().String(),
		SessionID:   sess.ID,
		Sender:      models.SenderBot,
		Content:     reply.Content,
		MessageType: reply.MessageType,
	}
	if err := s.store.AppendMessage(ctx, botMsg); err != nil {
		return nil, fmt.Errorf("save bot message: %w", err)
	}
	s.touch(ctx, sess, 2)

	inst := s.selector.Select(*botMsg)
	return &Result{Session: sess, Reply: &inst}, nil
}

// ActiveSession returns the user's current session, creating one when
// the user has none or it no longer exists. Creation is serialized per
// user so concurrent updates share one session.
func (s *Service) ActiveSession(ctx context.Context, user *models.User) (*models.Session, error) {
	sess, err := s.loadActive(ctx, user.ActiveSessionID)
	if sess != nil || err != nil {
		return sess, err
	}

	unlock := s.lockUser(user.ID)
	defer unlock()

	// Another update may have created the session while we waited.
	if fresh, err := s.store.GetUser(ctx, user.ID); err == nil && fresh.ActiveSessionID != user.ActiveSessionID {
		found, err := s.loadActive(ctx, fresh.ActiveSessionID)
		if err != nil {
			return nil, err
		}
		if found != nil {
			user.ActiveSessionID = found.ID
			return found, nil
		}
	}
	return s.newSession(ctx, user, "")
}

// loadActive returns nil without error when id is empty or gone.
func (s *Service) loadActive(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, nil
	}
	sess, err := s.store.GetSession(ctx, id)
	if err == nil {
		return sess, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("load session: %w", err)
}

// NewSession creates a session, makes it active, and discards the
// breaker of the session it replaces.
func (s *Service) NewSession(ctx context.Context, user *models.User, name string) (*models.Session, error) {
	unlock := s.lockUser(user.ID)
	defer unlock()
	return s.newSession(ctx, user, name)
}

func (s *Service) newSession(ctx context.Context, user *models.User, name string) (*models.Session, error) {
	if name == "" {
		name = "Session " + time.Now().Format("Jan 2 15:04")
	}
	sess := &models.Session{
		ID:     uuid.New().String(),
		UserID: user.ID,
		Name:   name,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := s.activate(ctx, user, sess.ID); err != nil {
		return nil, err
	}
	return sess, nil
}

// SwitchSession makes an existing session of the user active.
func (s *Service) SwitchSession(ctx context.Context, user *models.User, sessionID string) (*models.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != user.ID {
		return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	if err := s.activate(ctx, user, sess.ID); err != nil {
		return nil, err
	}
	return sess, nil
}

// History renders the last messages of a session.
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]dispatch.Instruction, error) {
	msgs, err := s.store.GetSessionMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	values := make([]models.Message, len(msgs))
	for i, m := range msgs {
		values[i] = *m
	}
	return s.selector.SelectAll(values), nil
}

func (s *Service) activate(ctx context.Context, user *models.User, sessionID string) error {
	prev := user.ActiveSessionID
	user.ActiveSessionID = sessionID
	if err := s.store.UpdateUser(ctx, user); err != nil {
		user.ActiveSessionID = prev
		return fmt.Errorf("activate session: %w", err)
	}
	if prev != "" && prev != sessionID {
		s.guards.Drop(prev)
		s.contexts.Forget(prev)
	}
	return nil
}

// touch only bumps counters; links may have changed during the turn.
func (s *Service) touch(ctx context.Context, sess *models.Session, added int) {
	now := time.Now()
	sess.State.MessageCount += added
	sess.State.LastMessageAt = now
	if err := s.store.TouchSession(ctx, sess.ID, added, now); err != nil {
		s.logger.Error("Failed to update session state",
			zap.Error(err),
			zap.String("session_id", sess.ID))
	}
}

func (s *Service) acquire(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight[sessionID] {
		return false
	}
	s.inFlight[sessionID] = true
	return true
}

func (s *Service) release(sessionID string) {
	s.mu.Lock()
	delete(s.inFlight, sessionID)
	s.mu.Unlock()
}

func (s *Service) lockUser(userID int64) func() {
	s.mu.Lock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}
