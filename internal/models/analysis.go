package models

import (
	"encoding/json"
	"time"
)

// Analysis is an audio mix analysis produced by the analysis backend.
// Result is kept as the raw JSON document the backend returned.
type Analysis struct {
	ID        string          `json:"id"`
	UserID    int64           `json:"user_id"`
	Title     string          `json:"title"`
	Summary   string          `json:"summary"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Comparison is a mix comparison between two or more uploaded tracks
type Comparison struct {
	ID        string          `json:"id"`
	UserID    int64           `json:"user_id"`
	Title     string          `json:"title"`
	Summary   string          `json:"summary"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
