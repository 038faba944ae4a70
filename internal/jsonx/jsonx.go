package jsonx

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/kaptinlin/jsonrepair"
)

// Thin wrapper so hot paths can swap JSON implementations in one place.
var (
	Marshal       = json.Marshal
	MarshalIndent = json.MarshalIndent
	Unmarshal     = json.Unmarshal
	Valid         = json.Valid
	NewDecoder    = json.NewDecoder
	NewEncoder    = json.NewEncoder
)

type RawMessage = json.RawMessage

// DecodeLenient parses s into v. When strict parsing fails it runs a repair
// pass first, which tolerates the usual model output defects: trailing
// commas, single quotes, unquoted keys, truncated tails.
func DecodeLenient(s string, v any) error {
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return fmt.Errorf("repair json: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("decode repaired json: %w", err)
	}
	return nil
}

// DecodeEmbedded locates the first JSON object or array inside model prose
// (code fences included) and decodes it leniently.
func DecodeEmbedded(text string, v any) error {
	raw, ok := ExtractValue(text)
	if !ok {
		return fmt.Errorf("no json value found in %d bytes of text", len(text))
	}
	return DecodeLenient(raw, v)
}

// ExtractValue returns the first balanced JSON object or array embedded in
// text. Markdown code fences are stripped before scanning.
func ExtractValue(text string) (string, bool) {
	text = stripFences(text)

	start := -1
	for i, r := range text {
		if r == '{' || r == '[' {
			start = i
			break
		}
	}
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}

	// Unbalanced tail: hand the remainder to the repair pass.
	return text[start:], true
}

func stripFences(text string) string {
	if !strings.Contains(text, "```") {
		return text
	}
	var out strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.String()
}
