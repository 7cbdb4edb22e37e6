// Package dispatch decides how a stored chat message should be rendered.
package dispatch

import (
	"fmt"

	"github.com/xaenox/tma-bot/internal/models"
	"go.uber.org/zap"
)

// Kind is the renderer selected for a message.
type Kind string

const (
	KindEmpty               Kind = "empty"
	KindPlainText           Kind = "plain_text"
	KindAnalysisReport      Kind = "analysis_report"
	KindVideoReport         Kind = "video_report"
	KindChordDisplay        Kind = "chord_display"
	KindHooksDisplay        Kind = "hooks_display"
	KindScriptDisplay       Kind = "script_display"
	KindComparisonReference Kind = "comparison_reference"
	KindCriticalError       Kind = "critical_error"
)

// Instruction tells a renderer what to draw for one message.
type Instruction struct {
	Kind      Kind
	MessageID string
	Sender    models.Sender
	// Text is set for plain text and critical errors.
	Text string
	// Payload is the decoded report for structured kinds.
	Payload map[string]any
}

var kindByType = map[models.MessageType]Kind{
	models.TypeAnalysisReport: KindAnalysisReport,
	models.TypeVideoAnalysis:  KindVideoReport,
	models.TypeChords:         KindChordDisplay,
	models.TypeHooks:          KindHooksDisplay,
	models.TypeScript:         KindScriptDisplay,
	models.TypeComparisonRef:  KindComparisonReference,
}

// Selector turns messages into render instructions.
type Selector struct {
	logger *zap.Logger
	decode func(string) (map[string]any, error)
}

func NewSelector(logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{logger: logger, decode: Repair}
}

// Select never panics: any failure while interpreting the message is
// reported as a critical error instruction for that message alone.
func (s *Selector) Select(msg models.Message) (inst Instruction) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Failed to render message",
				zap.String("message_id", msg.ID),
				zap.Any("panic", r))
			inst = Instruction{
				Kind:      KindCriticalError,
				MessageID: msg.ID,
				Sender:    msg.Sender,
				Text:      fmt.Sprintf("Critical Rendering Error: %v", r),
			}
		}
	}()

	inst = s.selectKind(msg)
	inst.MessageID = msg.ID
	inst.Sender = msg.Sender
	return inst
}

// SelectAll renders a conversation; one bad message does not affect the rest.
func (s *Selector) SelectAll(msgs []models.Message) []Instruction {
	out := make([]Instruction, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, s.Select(m))
	}
	return out
}

func (s *Selector) selectKind(msg models.Message) Instruction {
	if msg.Content == "" {
		if msg.Sender == models.SenderUser {
			return Instruction{Kind: KindPlainText}
		}
		return Instruction{Kind: KindEmpty}
	}

	if msg.MessageType != "" {
		kind, structured := kindByType[msg.MessageType]
		if !structured {
			return plain(msg.Content)
		}
		payload, err := s.decode(msg.Content)
		if err != nil {
			s.logger.Warn("Structured message content is not valid JSON",
				zap.String("message_id", msg.ID),
				zap.String("message_type", string(msg.MessageType)),
				zap.Error(err))
			return plain(msg.Content)
		}
		return Instruction{Kind: kind, Payload: payload}
	}

	// Legacy bot records without a type tag. User text is never sniffed.
	if msg.Sender != models.SenderBot {
		return plain(msg.Content)
	}
	if payload, err := s.decode(msg.Content); err == nil {
		if kind, ok := sniff(payload); ok {
			return Instruction{Kind: kind, Payload: payload}
		}
	}
	return plain(msg.Content)
}

func plain(text string) Instruction {
	return Instruction{Kind: KindPlainText, Text: text}
}

// sniff recognizes untyped payloads by their distinctive keys.
func sniff(p map[string]any) (Kind, bool) {
	switch {
	case has(p, "performance") || has(p, "storytelling") || has(p, "framing"):
		return KindVideoReport, true
	case has(p, "result") && has(p, "parameters"):
		return KindChordDisplay, true
	case has(p, "hooks"):
		return KindHooksDisplay, true
	case has(p, "script") || has(p, "scenes"):
		return KindScriptDisplay, true
	case has(p, "comparison_id") || has(p, "comparisonId"):
		return KindComparisonReference, true
	case has(p, "overall_score") || has(p, "mix_analysis") || has(p, "frequency_analysis"):
		return KindAnalysisReport, true
	}
	return "", false
}

func has(p map[string]any, key string) bool {
	_, ok := p[key]
	return ok
}
