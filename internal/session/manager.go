// Package session resolves the analysis or comparison linked to a chat
// session and keeps it cached between turns.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/xaenox/tma-bot/internal/models"
	"go.uber.org/zap"
)

// ContextKind names the type of record a session can be linked to.
type ContextKind string

const (
	KindAnalysis   ContextKind = "analysis"
	KindComparison ContextKind = "comparison"
)

// ParseKind accepts the kind names users type in commands.
func ParseKind(s string) (ContextKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "analysis", "analyses", "a":
		return KindAnalysis, nil
	case "comparison", "compare", "c":
		return KindComparison, nil
	}
	return "", fmt.Errorf("unknown context kind %q", s)
}

// Store is the subset of storage the manager needs.
type Store interface {
	GetAnalysis(ctx context.Context, id string) (*models.Analysis, error)
	GetComparison(ctx context.Context, id string) (*models.Comparison, error)
	UpdateSession(ctx context.Context, session *models.Session) error
}

// Context is the linked record available to the next prompt. Both
// fields are nil when nothing is linked or the fetch failed.
type Context struct {
	Analysis   *models.Analysis
	Comparison *models.Comparison
}

func (c *Context) Empty() bool {
	return c == nil || (c.Analysis == nil && c.Comparison == nil)
}

// PromptSummary renders the context block sent to the assistant.
func (c *Context) PromptSummary() string {
	if c.Empty() {
		return ""
	}

	var b strings.Builder
	switch {
	case c.Analysis != nil:
		fmt.Fprintf(&b, "Linked audio analysis %q (%s)\n", c.Analysis.Title, c.Analysis.ID)
		writeSummary(&b, c.Analysis.Summary, c.Analysis.Result)
	case c.Comparison != nil:
		fmt.Fprintf(&b, "Linked mix comparison %q (%s)\n", c.Comparison.Title, c.Comparison.ID)
		writeSummary(&b, c.Comparison.Summary, c.Comparison.Result)
	}
	return strings.TrimSpace(b.String())
}

const maxResultChars = 4000

func writeSummary(b *strings.Builder, summary string, result []byte) {
	if summary != "" {
		b.WriteString("Summary: ")
		b.WriteString(summary)
		b.WriteString("\n")
	}
	if len(result) > 0 && string(result) != "null" {
		r := string(result)
		if len(r) > maxResultChars {
			r = r[:maxResultChars] + "..."
		}
		b.WriteString("Data: ")
		b.WriteString(r)
		b.WriteString("\n")
	}
}

type cacheEntry struct {
	kind ContextKind
	id   string
	ctx  *Context
}

// Manager resolves linked context once per link and reuses it.
type Manager struct {
	store  Store
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewManager(store Store, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}
}

// LoadContext returns the context linked to the session. Fetch failures
// are logged and yield an empty context so the chat can continue.
func (m *Manager) LoadContext(ctx context.Context, session *models.Session) *Context {
	kind, id := linkOf(session)
	if kind == "" {
		m.forget(session.ID)
		return &Context{}
	}

	m.mu.Lock()
	entry, ok := m.cache[session.ID]
	m.mu.Unlock()
	if ok && entry.kind == kind && entry.id == id {
		return entry.ctx
	}

	loaded := &Context{}
	switch kind {
	case KindAnalysis:
		analysis, err := m.store.GetAnalysis(ctx, id)
		if err != nil {
			m.logger.Warn("Failed to load linked analysis",
				zap.Error(err),
				zap.String("session_id", session.ID),
				zap.String("analysis_id", id))
			return &Context{}
		}
		loaded.Analysis = analysis
	case KindComparison:
		comparison, err := m.store.GetComparison(ctx, id)
		if err != nil {
			m.logger.Warn("Failed to load linked comparison",
				zap.Error(err),
				zap.String("session_id", session.ID),
				zap.String("comparison_id", id))
			return &Context{}
		}
		loaded.Comparison = comparison
	}

	m.mu.Lock()
	m.cache[session.ID] = cacheEntry{kind: kind, id: id, ctx: loaded}
	m.mu.Unlock()
	return loaded
}

// AttachContext links the session to a record, clearing any link of the
// other kind, and persists the session.
func (m *Manager) AttachContext(ctx context.Context, session *models.Session, kind ContextKind, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("empty %s id", kind)
	}

	prevAnalysis, prevComparison := session.LinkedAnalysisID, session.LinkedComparisonID
	switch kind {
	case KindAnalysis:
		session.LinkedAnalysisID = &id
		session.LinkedComparisonID = nil
	case KindComparison:
		session.LinkedComparisonID = &id
		session.LinkedAnalysisID = nil
	default:
		return fmt.Errorf("unknown context kind %q", kind)
	}

	if err := m.store.UpdateSession(ctx, session); err != nil {
		session.LinkedAnalysisID, session.LinkedComparisonID = prevAnalysis, prevComparison
		return fmt.Errorf("attach %s: %w", kind, err)
	}
	m.forget(session.ID)
	return nil
}

// DetachContext clears both links.
func (m *Manager) DetachContext(ctx context.Context, session *models.Session) error {
	prevAnalysis, prevComparison := session.LinkedAnalysisID, session.LinkedComparisonID
	session.LinkedAnalysisID = nil
	session.LinkedComparisonID = nil
	if err := m.store.UpdateSession(ctx, session); err != nil {
		session.LinkedAnalysisID, session.LinkedComparisonID = prevAnalysis, prevComparison
		return fmt.Errorf("detach context: %w", err)
	}
	m.forget(session.ID)
	return nil
}

// Forget drops cached context for a session.
func (m *Manager) Forget(sessionID string) {
	m.forget(sessionID)
}

func (m *Manager) forget(sessionID string) {
	m.mu.Lock()
	delete(m.cache, sessionID)
	m.mu.Unlock()
}

func linkOf(session *models.Session) (ContextKind, string) {
	switch {
	case session.LinkedAnalysisID != nil && *session.LinkedAnalysisID != "":
		return KindAnalysis, *session.LinkedAnalysisID
	case session.LinkedComparisonID != nil && *session.LinkedComparisonID != "":
		return KindComparison, *session.LinkedComparisonID
	}
	return "", ""
}
