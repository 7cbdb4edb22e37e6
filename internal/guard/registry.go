package guard

import (
	"sync"

	"go.uber.org/zap"
)

// Registry owns one Guard per chat session.
type Registry struct {
	mu     sync.Mutex
	cfg    Config
	opts   []Option
	guards map[string]*Guard
	logger *zap.Logger
}

func NewRegistry(cfg Config, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:    cfg,
		opts:   opts,
		guards: make(map[string]*Guard),
		logger: logger,
	}
}

// Get returns the guard for a session, creating it on first use.
func (r *Registry) Get(sessionID string) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.guards[sessionID]; ok {
		return g
	}
	opts := append([]Option{WithLogger(r.logger.With(zap.String("session_id", sessionID)))}, r.opts...)
	g := New(r.cfg, opts...)
	r.guards[sessionID] = g
	return g
}

// Drop discards the guard for a session.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.guards, sessionID)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.guards)
}
