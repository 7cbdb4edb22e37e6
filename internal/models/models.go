package models

import "time"

// Sender identifies who authored a chat message
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// MessageType tags a chat message with the renderer that applies to it
type MessageType string

const (
	TypeText           MessageType = "text"
	TypeMenu           MessageType = "menu"
	TypeStep           MessageType = "step"
	TypeConfirmation   MessageType = "confirmation"
	TypeDiscovery      MessageType = "discovery"
	TypeAnalysisReport MessageType = "analysis_report"
	TypeVideoAnalysis  MessageType = "mikki_video_analysis"
	TypeChords         MessageType = "koe_chords"
	TypeHooks          MessageType = "ark_hooks"
	TypeScript         MessageType = "ark_script"
	TypeComparisonRef  MessageType = "mix_comparison_ref"
)

// Structured reports whose content is a JSON document.
func (t MessageType) IsStructured() bool {
	switch t {
	case TypeAnalysisReport, TypeVideoAnalysis, TypeChords, TypeHooks, TypeScript, TypeComparisonRef:
		return true
	}
	return false
}

func (t MessageType) IsValid() bool {
	switch t {
	case TypeText, TypeMenu, TypeStep, TypeConfirmation, TypeDiscovery:
		return true
	}
	return t.IsStructured()
}

// Message is a single chat message inside a session
type Message struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"session_id"`
	Sender      Sender      `json:"sender"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"message_type,omitempty"`
	Order       int         `json:"order"`
	CreatedAt   time.Time   `json:"created_at"`
}

// User represents a bot user with their profile
type User struct {
	ID              int64     `json:"id"`
	DisplayName     string    `json:"display_name"`
	ActiveSessionID string    `json:"active_session_id,omitempty"`
	LastUsedAt      time.Time `json:"last_used_at"`
}

// SessionState holds per-session counters updated on every exchange
type SessionState struct {
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// Session represents a chat conversation and its linked context.
// At most one of LinkedAnalysisID and LinkedComparisonID is set.
type Session struct {
	ID                 string       `json:"id"`
	UserID             int64        `json:"user_id"`
	Name               string       `json:"name"`
	LinkedAnalysisID   *string      `json:"linked_analysis_id,omitempty"`
	LinkedComparisonID *string      `json:"linked_comparison_id,omitempty"`
	State              SessionState `json:"session_state"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}
