package assistant

import (
	"strings"

	"github.com/xaenox/tma-bot/internal/models"
)

type intentRule struct {
	messageType models.MessageType
	keywords    []string
}

// Checked in order; the first matching rule wins.
var intentRules = []intentRule{
	{models.TypeChords, []string{"chord", "progression", "midi"}},
	{models.TypeHooks, []string{"hook", "caption idea", "opening line"}},
	{models.TypeScript, []string{"script", "shotlist", "shot list", "storyboard"}},
}

// DetectIntent picks the structured reply type a user message asks for,
// or TypeText when none applies. Explicit commands like /chords bypass
// keyword matching.
func DetectIntent(content string) models.MessageType {
	content = strings.ToLower(strings.TrimSpace(content))
	if content == "" {
		return models.TypeText
	}

	for _, rule := range intentRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(content, keyword) {
				return rule.messageType
			}
		}
	}
	return models.TypeText
}
