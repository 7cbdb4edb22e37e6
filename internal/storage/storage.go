package storage

import (
	"context"
	"errors"
	"time"

	"github.com/xaenox/tma-bot/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

type Storage interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
	Close() error

	SessionStorage
	MessageStorage
	ContextStorage
}

type SessionStorage interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	// TouchSession bumps the message counters without rewriting links,
	// so it cannot undo a concurrent link change.
	TouchSession(ctx context.Context, id string, added int, at time.Time) error
	ListSessions(ctx context.Context, userID int64, limit int) ([]*models.Session, error)
}

type MessageStorage interface {
	// AppendMessage assigns msg.Order as one past the highest order in the
	// session. The assignment is atomic with the insert.
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

// ContextStorage holds records that can be linked to a session.
type ContextStorage interface {
	GetAnalysis(ctx context.Context, id string) (*models.Analysis, error)
	SaveAnalysis(ctx context.Context, analysis *models.Analysis) error
	GetComparison(ctx context.Context, id string) (*models.Comparison, error)
	SaveComparison(ctx context.Context, comparison *models.Comparison) error
}
