package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/tma-bot/internal/dispatch"
	"github.com/xaenox/tma-bot/internal/models"
	"go.uber.org/zap"
)

const systemPrompt = `You are TMA OS, a creative assistant for music producers and content creators.
You help with mixing feedback, chord progressions, hooks, and short-form video scripts.
Be concrete and practical. Answer in markdown unless told to return JSON.`

var structuredPrompts = map[models.MessageType]string{
	models.TypeChords: `Return ONLY a JSON object with this structure:
{
    "result": {"key": "A minor", "progression": ["Am", "F", "C", "G"], "roman": ["i", "VI", "III", "VII"], "notes": "why it works"},
    "parameters": {"mood": "...", "genre": "...", "tempo": 90, "bars": 4}
}`,
	models.TypeHooks: `Return ONLY a JSON object with this structure:
{
    "hooks": [{"text": "hook line", "angle": "why it grabs attention"}],
    "parameters": {"platform": "...", "topic": "..."}
}`,
	models.TypeScript: `Return ONLY a JSON object with this structure:
{
    "title": "video title",
    "script": [{"scene": 1, "shot": "camera direction", "line": "spoken line", "duration_sec": 3}],
    "notes": "delivery notes"
}`,
}

type GPTBackend struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

func NewGPTBackend(apiKey, baseURL, model string, maxTokens int, temperature float64, logger *zap.Logger) *GPTBackend {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &GPTBackend{
		client:      openai.NewClientWithConfig(config),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		logger:      logger,
	}
}

func (b *GPTBackend) Reply(ctx context.Context, turn Turn) (*Reply, error) {
	req := openai.ChatCompletionRequest{
		Model:       b.model,
		Messages:    buildMessages(turn),
		MaxTokens:   b.maxTokens,
		Temperature: float32(b.temperature),
	}
	if _, ok := structuredPrompts[turn.Intent]; ok {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := b.client.CreateChatCompletion(ctx, req)
	if err != nil {
		be := classifyError(err)
		b.logger.Error("Failed to get GPT response",
			zap.Error(err),
			zap.String("session_id", turn.SessionID),
			zap.String("kind", string(be.Kind)))
		return nil, be
	}
	if len(resp.Choices) == 0 {
		return nil, &BackendError{Kind: KindEmpty, Err: errors.New("no choices in response")}
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return nil, &BackendError{Kind: KindEmpty, Err: errors.New("empty message content")}
	}
	return tagReply(content, turn.Intent, b.logger), nil
}

// tagReply normalizes structured payloads and stamps the message type.
// Payloads that cannot be repaired are downgraded to plain text.
func tagReply(content string, intent models.MessageType, logger *zap.Logger) *Reply {
	if !intent.IsStructured() {
		return &Reply{Content: content, MessageType: models.TypeText}
	}

	payload, err := dispatch.Repair(content)
	if err != nil {
		logger.Warn("Failed to parse structured GPT response",
			zap.Error(err),
			zap.String("intent", string(intent)),
			zap.String("response", content))
		return &Reply{Content: content, MessageType: models.TypeText}
	}

	normalized, err := json.Marshal(payload)
	if err != nil {
		return &Reply{Content: content, MessageType: models.TypeText}
	}
	return &Reply{Content: string(normalized), MessageType: intent}
}

func buildMessages(turn Turn) []openai.ChatCompletionMessage {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
	}
	if turn.UserName != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: fmt.Sprintf("The user's name is %s.", turn.UserName),
		})
	}
	if turn.ContextNote != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Ground your answers in this linked context:\n" + turn.ContextNote,
		})
	}

	for _, m := range turn.History {
		if m.Content == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		if m.Sender == models.SenderBot {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	if prompt, ok := structuredPrompts[turn.Intent]; ok {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: prompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: turn.Content,
	})
	return messages
}
