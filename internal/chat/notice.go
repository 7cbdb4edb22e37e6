package chat

import (
	"errors"
	"fmt"

	"github.com/xaenox/tma-bot/internal/assistant"
)

func circuitOpenNotice(waitSeconds int) string {
	if waitSeconds < 1 {
		waitSeconds = 1
	}
	return fmt.Sprintf("I'm taking a short break after a few failed attempts. Please try again in %d seconds.", waitSeconds)
}

// failureNotice converts a backend failure into chat text.
func failureNotice(err error) string {
	var be *assistant.BackendError
	if !errors.As(err, &be) {
		return "Something went wrong reaching the assistant. Please try again."
	}

	switch be.Kind {
	case assistant.KindTimeout:
		return "The assistant took too long to answer. Please try again, maybe with a shorter question."
	case assistant.KindRateLimit:
		return "We're seeing high traffic right now. Give it a few seconds and try again."
	case assistant.KindAuth:
		return "The assistant is unavailable right now. Please try again later."
	case assistant.KindEmpty:
		return "The assistant returned an empty answer. Please rephrase and try again."
	default:
		return "Something went wrong reaching the assistant. Please try again."
	}
}
