package notifier

import (
	"strings"
	"time"
	"unicode/utf8"
)

const maxStructuredMessageLen = 3800

type MessageSection struct {
	Title string
	Lines []string
}

// StructuredMessage 统一格式的推送：标题、代码块段落、页脚、时间。
type StructuredMessage struct {
	Icon      string
	Title     string
	Sections  []MessageSection
	Footer    string
	Timestamp time.Time
}

// RenderMarkdown 生成 Markdown 文本，超长时按字符边界裁剪。
func (m StructuredMessage) RenderMarkdown() string {
	var b strings.Builder
	if header := strings.TrimSpace(m.Icon + " " + m.Title); header != "" {
		b.WriteString(header + "\n\n")
	}
	b.WriteString(renderSections(m.Sections))
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString(escapeFence(footer) + "\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString("时间：" + m.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	return truncate(strings.TrimSpace(b.String()), maxStructuredMessageLen)
}

func renderSections(secs []MessageSection) string {
	var blocks []string
	for _, sec := range secs {
		lines := nonEmpty(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		var b strings.Builder
		if title := strings.TrimSpace(sec.Title); title != "" {
			b.WriteString(escapeFence(title) + "\n")
		}
		for _, line := range lines {
			b.WriteString("- " + escapeFence(line) + "\n")
		}
		blocks = append(blocks, b.String())
	}
	if len(blocks) == 0 {
		return ""
	}
	return "```\n" + strings.Join(blocks, "\n") + "```\n\n"
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func escapeFence(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
