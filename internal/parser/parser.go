package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Section is a titled block of text as returned by the remote runner.
type Section struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// numberedItem matches one numbered-list entry like "1. text" or "2) text".
var numberedItem = regexp.MustCompile(`(?m)^\s*\d+[.)]\s*(.+?)\s*$`)

// CanonicalText normalizes a remote response that carries either a list of
// titled sections or a single summary string. Sections are preferred when
// present; their bodies are joined with a blank-line separator.
func CanonicalText(sections []Section, summary string) string {
	if len(sections) == 0 {
		return strings.TrimSpace(summary)
	}
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		c := strings.TrimSpace(s.Content)
		if c == "" {
			continue
		}
		parts = append(parts, c)
	}
	if len(parts) == 0 {
		return strings.TrimSpace(summary)
	}
	return strings.Join(parts, "\n\n")
}

// ExtractQuestions splits a numbered-list string ("1. ...\n2. ...") into
// trimmed question strings. Text without numbering yields a single-element
// slice containing the whole trimmed string; blank input yields nil.
func ExtractQuestions(text string) []string {
	matches := numberedItem.FindAllStringSubmatch(text, -1)
	if len(matches) > 0 {
		out := make([]string, 0, len(matches))
		for _, m := range matches {
			if q := strings.TrimSpace(m[1]); q != "" {
				out = append(out, q)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	return []string{trimmed}
}

// reportFields is the fixed rendering order for structured report payloads.
// A stable order keeps the rendered markdown deterministic regardless of
// JSON map iteration.
var reportFields = []struct {
	key     string
	heading string
}{
	{"title", ""},
	{"summary", "Summary"},
	{"introduction", "Introduction"},
	{"findings", "Findings"},
	{"analysis", "Analysis"},
	{"conclusion", "Conclusion"},
	{"recommendations", "Recommendations"},
	{"sources", "Sources"},
}

// RenderStructured attempts a JSON decode of text. If the payload carries a
// "report" field or a recognized report field set, it is rendered into
// heading-delimited markdown; any other input is returned unchanged.
// Malformed JSON never fails, it degrades to the original string.
func RenderStructured(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return text
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return text
	}

	// A top-level "report" field wins: either a ready string or a nested
	// structured object.
	if rep, ok := payload["report"]; ok {
		switch v := rep.(type) {
		case string:
			return strings.TrimSpace(v)
		case map[string]interface{}:
			if md := renderReportFields(v); md != "" {
				return md
			}
		}
		return text
	}

	if md := renderReportFields(payload); md != "" {
		return md
	}
	if md := renderQuestionSection(payload); md != "" {
		return md
	}
	return text
}

func renderReportFields(payload map[string]interface{}) string {
	var b strings.Builder
	matched := 0
	for _, f := range reportFields {
		raw, ok := payload[f.key]
		if !ok {
			continue
		}
		body := renderValue(raw)
		if body == "" {
			continue
		}
		matched++
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if f.heading == "" {
			b.WriteString("# " + body)
		} else {
			b.WriteString("## " + f.heading + "\n\n" + body)
		}
	}
	if matched == 0 {
		return ""
	}
	return b.String()
}

// renderQuestionSection handles the {"section": "...", "questions": [...]}
// shape emitted by the question-generation phase.
func renderQuestionSection(payload map[string]interface{}) string {
	qs, ok := payload["questions"].([]interface{})
	if !ok || len(qs) == 0 {
		return ""
	}
	var b strings.Builder
	if title, ok := payload["section"].(string); ok && strings.TrimSpace(title) != "" {
		b.WriteString("## " + strings.TrimSpace(title) + "\n\n")
	}
	for i, q := range qs {
		s, ok := q.(string)
		if !ok {
			continue
		}
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, strings.TrimSpace(s))
	}
	return b.String()
}

// renderValue flattens a JSON value into markdown text. Strings pass
// through, string arrays become bullet lists, nested objects render their
// entries as "key: value" lines in field order when recognized.
func renderValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []interface{}:
		var lines []string
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				lines = append(lines, "- "+strings.TrimSpace(s))
			}
		}
		return strings.Join(lines, "\n")
	case map[string]interface{}:
		return renderReportFields(t)
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", t), "0"), ".")
	}
	return ""
}
