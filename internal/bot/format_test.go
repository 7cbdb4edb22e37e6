package bot

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/xaenox/tma-bot/internal/dispatch"
	"github.com/xaenox/tma-bot/internal/models"
)

func TestEscapeMarkdown(t *testing.T) {
	got := escapeMarkdown(`a_b*c.d!(e)\f`)
	want := `a\_b\*c\.d\!\(e\)\\f`
	if got != want {
		t.Fatalf("escapeMarkdown = %q, want %q", got, want)
	}
}

func TestFormatInstruction(t *testing.T) {
	tests := []struct {
		name     string
		inst     dispatch.Instruction
		contains string
		markdown bool
	}{
		{
			name:     "plain",
			inst:     dispatch.Instruction{Kind: dispatch.KindPlainText, Sender: models.SenderBot, Text: "**bold**"},
			contains: "**bold**",
		},
		{
			name:     "critical",
			inst:     dispatch.Instruction{Kind: dispatch.KindCriticalError, Text: "Critical Rendering Error: x"},
			contains: "Critical Rendering Error",
		},
		{
			name: "analysis",
			inst: dispatch.Instruction{Kind: dispatch.KindAnalysisReport, Payload: map[string]any{
				"overall_score": 7.5,
				"summary":       "Low end is boomy.",
				"loudness":      map[string]any{"lufs": -9.0},
			}},
			contains: "Overall score:* 7\\.50",
			markdown: true,
		},
		{
			name: "analysis decoded numbers",
			inst: dispatch.Instruction{Kind: dispatch.KindAnalysisReport, Payload: map[string]any{
				"overall_score": json.Number("9007199254740993"),
			}},
			contains: "Overall score:* 9007199254740993",
			markdown: true,
		},
		{
			name: "video",
			inst: dispatch.Instruction{Kind: dispatch.KindVideoReport, Payload: map[string]any{
				"performance": map[string]any{"score": 8.0, "feedback": "Confident delivery"},
				"framing":     "Too wide",
			}},
			contains: "Confident delivery",
			markdown: true,
		},
		{
			name: "hooks",
			inst: dispatch.Instruction{Kind: dispatch.KindHooksDisplay, Payload: map[string]any{
				"hooks": []any{map[string]any{"text": "Wait for it", "angle": "curiosity"}, "Plain hook"},
			}},
			contains: "2\\. Plain hook",
			markdown: true,
		},
		{
			name: "script",
			inst: dispatch.Instruction{Kind: dispatch.KindScriptDisplay, Payload: map[string]any{
				"title":  "Studio vlog",
				"script": []any{map[string]any{"shot": "Close-up on hands", "line": "Watch this", "duration_sec": 3.0}},
			}},
			contains: "Scene 1* \\(3s\\)",
			markdown: true,
		},
		{
			name:     "comparison",
			inst:     dispatch.Instruction{Kind: dispatch.KindComparisonReference, Payload: map[string]any{"comparison_id": "C1"}},
			contains: "/link comparison C1",
			markdown: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, markdown := formatInstruction(tt.inst)
			if markdown != tt.markdown {
				t.Errorf("markdown = %v, want %v", markdown, tt.markdown)
			}
			if !strings.Contains(text, tt.contains) {
				t.Errorf("text %q does not contain %q", text, tt.contains)
			}
		})
	}
}

func TestFormatEmptyRendersNothing(t *testing.T) {
	if text, _ := formatInstruction(dispatch.Instruction{Kind: dispatch.KindEmpty}); text != "" {
		t.Fatalf("text = %q", text)
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{"fits", "short", 10, []string{"short"}},
		{"hard cut", "abcdefgh", 3, []string{"abc", "def", "gh"}},
		{"prefers newline", "ab\ncdef", 5, []string{"ab", "cdef"}},
		{"keeps escape pair", `ab\.cd`, 3, []string{"ab", `\.c`, "d"}},
		{"surrogate pairs", "😀😀😀", 4, []string{"😀😀", "😀"}},
		{"empty", "", 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitMessage(tt.in, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("splitMessage = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("splitMessage = %q, want %q", got, tt.want)
				}
			}
		})
	}
}

func TestMarkdownToPlain(t *testing.T) {
	got := markdownToPlain(`*Key:* D minor\. Use \\ here`)
	if want := `Key: D minor. Use \ here`; got != want {
		t.Fatalf("markdownToPlain = %q, want %q", got, want)
	}
}
