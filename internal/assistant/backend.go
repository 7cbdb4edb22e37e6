// Package assistant submits chat turns to the language model backend.
package assistant

import (
	"context"

	"github.com/xaenox/tma-bot/internal/models"
)

// Turn is everything sent to the backend for one user message.
type Turn struct {
	SessionID   string
	UserName    string
	Content     string
	History     []*models.Message
	ContextNote string
	// Intent requests a structured reply; TypeText means free-form.
	Intent models.MessageType
}

// Reply is a backend answer already tagged with its message type.
type Reply struct {
	Content     string
	MessageType models.MessageType
}

type Backend interface {
	Reply(ctx context.Context, turn Turn) (*Reply, error)
}
