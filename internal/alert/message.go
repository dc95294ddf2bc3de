package alert

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"logwatch/internal/rules"
)

const (
	contextPreviewLimit = 1200
	truncatedSuffix     = "... (truncated)"

	// Per-field caps keep a rendered alert well under Telegram's 4096
	// character limit.
	messageLimit = 1000
	valueLimit   = 200
	// TelegramTextLimit is the Bot API maximum message length.
	TelegramTextLimit = 4096
)

// Message is the channel-agnostic rendering of a violation. Text uses
// Telegram Markdown; Plain carries the same content without markup and with
// log values unchanged.
type Message struct {
	Subject   string
	Text      string
	Plain     string
	Violation rules.Violation
}

// renderer writes the Markdown and plain variants of an alert side by side.
type renderer struct {
	md    strings.Builder
	plain strings.Builder
}

func (r *renderer) title(prefix, title string) {
	r.md.WriteString(prefix + "*" + title + "*\n\n")
	r.plain.WriteString(prefix + title + "\n\n")
}

// code writes a log value in a Markdown code span.
func (r *renderer) code(label, value string, limit int) {
	value = truncateRunes(value, limit)
	r.md.WriteString(label + "`" + codeSafe(value) + "`\n")
	r.plain.WriteString(label + value + "\n")
}

func (r *renderer) line(text string) {
	r.md.WriteString(escapeMarkdown(text) + "\n")
	r.plain.WriteString(text + "\n")
}

func (r *renderer) block(label, body string) {
	r.md.WriteString(label + "\n```\n" + codeSafe(body) + "\n```\n")
	r.plain.WriteString(label + "\n" + body + "\n")
}

func Render(v rules.Violation) Message {
	rec := v.Record
	correlation := rec.CorrelationID
	if correlation == "" {
		correlation = "N/A"
	}
	logTime := rec.RawTimestamp
	if rec.HasTimestamp() {
		logTime = rec.Timestamp.Format("2006-01-02 15:04:05 MST")
	}

	var r renderer
	switch v.Type {
	case rules.TypeMessage:
		r.title("🚨 ", "Process Alert")
		r.code("📝 Process: ", rec.Message, messageLimit)
		r.code("🏢 App: ", rec.AppName, valueLimit)
		if label := priorityLabel(v.Priority); label != "" {
			r.line("🔥 Priority: " + label)
		}
	default:
		r.title("⚠️ ", "Slow App Alert")
		r.code("🔴 App: ", rec.AppName, valueLimit)
	}
	r.line(fmt.Sprintf("⏱ Duration: %dms (threshold: %dms)", rec.DurationMs, v.ThresholdMs))
	r.line(fmt.Sprintf("📊 Exceeded by: %dms", v.OverageMs))
	if v.Type != rules.TypeMessage {
		r.code("📝 Message: ", rec.Message, messageLimit)
	}
	r.code("🔗 Correlation ID: ", correlation, valueLimit)
	r.line("🕐 Time: " + truncateRunes(logTime, valueLimit))
	if ctx := ContextPreview(rec.Context); ctx != "" {
		r.block("📦 Context:", ctx)
	}
	r.md.WriteString("\n_Copy the correlation ID to trace the request_")
	r.plain.WriteString("\nCopy the correlation ID to trace the request")

	return Message{
		Subject:   fmt.Sprintf("Alert: %s - Slow Process Detected", truncateRunes(rec.AppName, valueLimit)),
		Text:      truncateRunes(r.md.String(), TelegramTextLimit),
		Plain:     r.plain.String(),
		Violation: v,
	}
}

// ContextPreview pretty-prints a structured context and caps it at 1200
// characters. Empty or scalar contexts yield "".
func ContextPreview(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	value := gjson.ParseBytes(raw)
	if !value.IsObject() && !value.IsArray() {
		return ""
	}
	empty := true
	value.ForEach(func(_, _ gjson.Result) bool {
		empty = false
		return false
	})
	if empty {
		return ""
	}
	pretty := strings.TrimSpace(value.Get("@pretty").String())
	if utf8.RuneCountInString(pretty) <= contextPreviewLimit {
		return pretty
	}
	return string([]rune(pretty)[:contextPreviewLimit]) + truncatedSuffix
}

// codeSafe keeps a value from closing the code span or block it sits in.
// Legacy Telegram Markdown has no escape inside code entities.
func codeSafe(value string) string {
	return strings.ReplaceAll(value, "`", "'")
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escapeMarkdown(text string) string {
	return markdownEscaper.Replace(text)
}

// truncateRunes caps s at limit runes, marking the cut with truncatedSuffix.
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	keep := limit - utf8.RuneCountInString(truncatedSuffix)
	if keep < 0 {
		keep = 0
	}
	return string([]rune(s)[:keep]) + truncatedSuffix
}

func priorityLabel(priority int) string {
	switch {
	case priority >= 3:
		return "high"
	case priority == 2:
		return "medium"
	case priority == 1:
		return "low"
	default:
		return ""
	}
}
