package bot

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"

	"github.com/xaenox/tma-bot/internal/dispatch"
	"github.com/xaenox/tma-bot/internal/models"
)

// formatInstruction renders a dispatch instruction as Telegram text. The
// second result reports whether the text is MarkdownV2.
func formatInstruction(inst dispatch.Instruction) (string, bool) {
	switch inst.Kind {
	case dispatch.KindEmpty:
		return "", false
	case dispatch.KindPlainText:
		if inst.Sender == models.SenderUser {
			return "🗣 " + inst.Text, false
		}
		return inst.Text, false
	case dispatch.KindCriticalError:
		return "⚠️ " + inst.Text, false
	case dispatch.KindAnalysisReport:
		return formatAnalysis(inst.Payload), true
	case dispatch.KindVideoReport:
		return formatVideo(inst.Payload), true
	case dispatch.KindChordDisplay:
		return formatChords(inst.Payload), true
	case dispatch.KindHooksDisplay:
		return formatHooks(inst.Payload), true
	case dispatch.KindScriptDisplay:
		return formatScript(inst.Payload), true
	case dispatch.KindComparisonReference:
		return formatComparison(inst.Payload), true
	}
	return inst.Text, false
}

func formatAnalysis(p map[string]any) string {
	var b strings.Builder
	b.WriteString("*🎚 Mix Analysis*\n")
	if score, ok := p["overall_score"]; ok {
		fmt.Fprintf(&b, "*Overall score:* %s\n", escapeMarkdown(plainValue(score)))
	}
	if summary := str(p, "summary"); summary != "" {
		fmt.Fprintf(&b, "\n%s\n", escapeMarkdown(summary))
	}
	writeRemaining(&b, p, "overall_score", "summary")
	return strings.TrimSpace(b.String())
}

func formatVideo(p map[string]any) string {
	var b strings.Builder
	b.WriteString("*🎬 Video Analysis*\n")
	if summary := str(p, "summary"); summary != "" {
		fmt.Fprintf(&b, "%s\n", escapeMarkdown(summary))
	}
	for _, section := range []string{"performance", "storytelling", "framing"} {
		v, ok := p[section]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n*%s*\n", escapeMarkdown(titleCase(section)))
		if m, ok := v.(map[string]any); ok {
			if score, ok := m["score"]; ok {
				fmt.Fprintf(&b, "Score: %s\n", escapeMarkdown(plainValue(score)))
			}
			if fb := str(m, "feedback"); fb != "" {
				fmt.Fprintf(&b, "%s\n", escapeMarkdown(fb))
			}
			continue
		}
		fmt.Fprintf(&b, "%s\n", escapeMarkdown(plainValue(v)))
	}
	writeRemaining(&b, p, "summary", "performance", "storytelling", "framing")
	return strings.TrimSpace(b.String())
}

func formatChords(p map[string]any) string {
	var b strings.Builder
	b.WriteString("*🎹 Chord Progression*\n")

	result, _ := p["result"].(map[string]any)
	if key := str(result, "key"); key != "" {
		fmt.Fprintf(&b, "*Key:* %s\n", escapeMarkdown(key))
	}
	if chords := strList(result, "progression"); len(chords) > 0 {
		fmt.Fprintf(&b, "`%s`\n", escapeCode(strings.Join(chords, " → ")))
	}
	if roman := strList(result, "roman"); len(roman) > 0 {
		fmt.Fprintf(&b, "_%s_\n", escapeMarkdown(strings.Join(roman, " – ")))
	}
	if notes := str(result, "notes"); notes != "" {
		fmt.Fprintf(&b, "\n%s\n", escapeMarkdown(notes))
	}

	if params, ok := p["parameters"].(map[string]any); ok && len(params) > 0 {
		b.WriteString("\n*Parameters:*\n")
		for _, k := range sortedKeys(params) {
			fmt.Fprintf(&b, "%s: %s\n", escapeMarkdown(k), escapeMarkdown(plainValue(params[k])))
		}
	}
	return strings.TrimSpace(b.String())
}

func formatHooks(p map[string]any) string {
	var b strings.Builder
	b.WriteString("*🪝 Hooks*\n")
	hooks, _ := p["hooks"].([]any)
	for i, h := range hooks {
		switch hook := h.(type) {
		case map[string]any:
			fmt.Fprintf(&b, "%d\\. *%s*\n", i+1, escapeMarkdown(str(hook, "text")))
			if angle := str(hook, "angle"); angle != "" {
				fmt.Fprintf(&b, "   _%s_\n", escapeMarkdown(angle))
			}
		default:
			fmt.Fprintf(&b, "%d\\. %s\n", i+1, escapeMarkdown(plainValue(hook)))
		}
	}
	if len(hooks) == 0 {
		b.WriteString(escapeMarkdown("No hooks in this reply.") + "\n")
	}
	return strings.TrimSpace(b.String())
}

func formatScript(p map[string]any) string {
	var b strings.Builder
	title := str(p, "title")
	if title == "" {
		title = "Script"
	}
	fmt.Fprintf(&b, "*📝 %s*\n", escapeMarkdown(title))

	scenes, ok := p["script"].([]any)
	if !ok {
		scenes, _ = p["scenes"].([]any)
	}
	for i, s := range scenes {
		scene, ok := s.(map[string]any)
		if !ok {
			fmt.Fprintf(&b, "\n%s\n", escapeMarkdown(plainValue(s)))
			continue
		}
		fmt.Fprintf(&b, "\n*Scene %d*", i+1)
		if d, ok := scene["duration_sec"]; ok {
			fmt.Fprintf(&b, " \\(%ss\\)", escapeMarkdown(plainValue(d)))
		}
		b.WriteString("\n")
		if shot := str(scene, "shot"); shot != "" {
			fmt.Fprintf(&b, "🎥 %s\n", escapeMarkdown(shot))
		}
		if line := str(scene, "line"); line != "" {
			fmt.Fprintf(&b, "🗣 %s\n", escapeMarkdown(line))
		}
	}
	if script, ok := p["script"].(string); ok {
		fmt.Fprintf(&b, "\n%s\n", escapeMarkdown(script))
	}
	if notes := str(p, "notes"); notes != "" {
		fmt.Fprintf(&b, "\n_%s_\n", escapeMarkdown(notes))
	}
	return strings.TrimSpace(b.String())
}

func formatComparison(p map[string]any) string {
	var b strings.Builder
	b.WriteString("*🔀 Mix Comparison*\n")
	id := str(p, "comparison_id")
	if id == "" {
		id = str(p, "comparisonId")
	}
	if id != "" {
		fmt.Fprintf(&b, "Id: `%s`\n", escapeCode(id))
	}
	if summary := str(p, "summary"); summary != "" {
		fmt.Fprintf(&b, "%s\n", escapeMarkdown(summary))
	}
	if id != "" {
		fmt.Fprintf(&b, "\n%s\n", escapeMarkdown("Use /link comparison "+id+" to discuss it."))
	}
	return strings.TrimSpace(b.String())
}

func formatSessions(sessions []*models.Session, activeID string) string {
	var b strings.Builder
	b.WriteString("*Your sessions:*\n\n")
	for _, s := range sessions {
		marker := ""
		if s.ID == activeID {
			marker = " ✅"
		}
		fmt.Fprintf(&b, "*%s*%s\n`%s`\n", escapeMarkdown(s.Name), marker, escapeCode(s.ID))
		switch {
		case s.LinkedAnalysisID != nil:
			fmt.Fprintf(&b, "Linked analysis: %s\n", escapeMarkdown(*s.LinkedAnalysisID))
		case s.LinkedComparisonID != nil:
			fmt.Fprintf(&b, "Linked comparison: %s\n", escapeMarkdown(*s.LinkedComparisonID))
		}
		fmt.Fprintf(&b, "%s\n\n", escapeMarkdown(fmt.Sprintf("%d messages", s.State.MessageCount)))
	}
	return strings.TrimSpace(b.String())
}

func writeRemaining(b *strings.Builder, p map[string]any, skip ...string) {
	skipped := make(map[string]bool, len(skip))
	for _, k := range skip {
		skipped[k] = true
	}
	var wrote bool
	for _, k := range sortedKeys(p) {
		if skipped[k] {
			continue
		}
		if !wrote {
			b.WriteString("\n")
			wrote = true
		}
		fmt.Fprintf(b, "*%s:* %s\n", escapeMarkdown(titleCase(k)), escapeMarkdown(plainValue(p[k])))
	}
}

// escapeMarkdown escapes special characters for MarkdownV2
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

// markdownToPlain drops MarkdownV2 escapes and formatting markers.
func markdownToPlain(text string) string {
	var b strings.Builder
	escaped := false
	for _, r := range text {
		switch {
		case escaped:
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '*' || r == '_' || r == '`' || r == '~':
			// formatting marker
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Telegram measures message length in UTF-16 code units.
const maxMessageLen = 4096

// splitMessage cuts text into chunks of at most limit UTF-16 units,
// preferring line breaks and never separating an escape from its char.
func splitMessage(text string, limit int) []string {
	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		end, units := 0, 0
		for end < len(runes) {
			w := utf16.RuneLen(runes[end])
			if w < 0 {
				w = 1
			}
			if units+w > limit {
				break
			}
			units += w
			end++
		}
		if end < len(runes) {
			if nl := lastNewline(runes[:end]); nl > 0 {
				end = nl + 1
			} else if trailingBackslashes(runes[:end])%2 == 1 {
				end--
			}
		}
		if chunk := strings.TrimRight(string(runes[:end]), "\n"); chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = runes[end:]
	}
	return chunks
}

func lastNewline(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}

func trailingBackslashes(runes []rune) int {
	n := 0
	for i := len(runes) - 1; i >= 0 && runes[i] == '\\'; i-- {
		n++
	}
	return n
}

// Inside code spans only backslash and backtick need escaping.
func escapeCode(text string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(text)
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func strList(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	items, _ := m[key].([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, plainValue(it))
	}
	return out
}

func plainValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%.2f", val)
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return fmt.Sprintf("%d", n)
		}
		if f, err := val.Float64(); err == nil {
			return plainValue(f)
		}
		return val.String()
	case []any:
		parts := make([]string, 0, len(val))
		for _, it := range val {
			parts = append(parts, plainValue(it))
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		parts := make([]string, 0, len(val))
		for _, k := range sortedKeys(val) {
			parts = append(parts, k+": "+plainValue(val[k]))
		}
		return strings.Join(parts, "; ")
	default:
		return fmt.Sprint(val)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func titleCase(key string) string {
	words := strings.Fields(strings.ReplaceAll(key, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
