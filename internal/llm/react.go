package llm

import (
	"fmt"
	"strings"

	"neuron/internal/agent/ports"
	"neuron/internal/jsonx"
)

// Textual tool protocol for providers without native tool calling. The
// catalog is appended to the system prompt and the model is told to emit
// invocations as a TOOL: line followed by an ARGS: line holding a JSON
// object. ParseToolInvocations recovers the structured calls afterwards.

const toolProtocolInstructions = `You have access to the tools listed below. To use one, write exactly:

TOOL: <tool name>
ARGS: <JSON object with the arguments>

Emit nothing else on those lines. You may call several tools in one reply by repeating the pair. When no tool is needed, answer normally.`

// BuildToolCatalog renders tool definitions as a deterministic text block.
func BuildToolCatalog(tools []ports.ToolDefinition) string {
	var b strings.Builder
	b.WriteString(toolProtocolInstructions)
	b.WriteString("\n\nAvailable tools:\n")
	for _, tool := range tools {
		schema, err := jsonx.Marshal(tool.Parameters)
		if err != nil {
			schema = []byte("{}")
		}
		fmt.Fprintf(&b, "\n- %s: %s\n  parameters: %s\n", tool.Name, tool.Description, schema)
	}
	return b.String()
}

// InjectToolCatalog returns a copy of the request with the tool catalog
// folded into the system prompt and the structured tool list cleared, so
// the payload builders never send tools the provider cannot accept.
func InjectToolCatalog(req ports.CompletionRequest) ports.CompletionRequest {
	if len(req.Tools) == 0 {
		return req
	}
	catalog := BuildToolCatalog(req.Tools)

	out := req
	out.Tools = nil
	out.Messages = make([]ports.Message, len(req.Messages))
	copy(out.Messages, req.Messages)

	for i := range out.Messages {
		if out.Messages[i].Role == "system" {
			out.Messages[i].Content = out.Messages[i].Content + "\n\n" + catalog
			return out
		}
	}
	out.Messages = append([]ports.Message{{Role: "system", Content: catalog}}, out.Messages...)
	return out
}

// scanJSONValue returns the balanced JSON object or array starting at the
// first brace in s, plus the offset just past it. When the text ends
// before the value closes, the unbalanced tail is returned with ok=false
// so the caller can hand it to the lenient decoder.
func scanJSONValue(s string) (value string, end int, ok bool) {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open = s[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
		if !isSpace(s[i]) {
			return "", 0, false
		}
	}
	if start < 0 {
		return "", 0, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], i + 1, true
			}
		}
	}
	return s[start:], len(s), false
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\r' || ch == '\n'
}

// ParseToolInvocations extracts TOOL:/ARGS: pairs from completed model
// output. It returns the text with the invocation blocks removed and the
// structured calls in order of appearance. Malformed ARGS payloads are
// repaired when possible and otherwise surfaced under the "_raw" key so
// the executor can reject them with a useful message.
func ParseToolInvocations(text string) (string, []ports.ToolCall) {
	var calls []ports.ToolCall
	var cleaned strings.Builder

	rest := text
	for {
		idx := findToolMarker(rest)
		if idx < 0 {
			cleaned.WriteString(rest)
			break
		}
		cleaned.WriteString(rest[:idx])
		block := rest[idx:]

		lineEnd := strings.IndexByte(block, '\n')
		if lineEnd < 0 {
			// A TOOL: line with nothing after it is plain text.
			cleaned.WriteString(block)
			break
		}
		name := strings.TrimSpace(strings.TrimPrefix(block[:lineEnd], "TOOL:"))
		after := block[lineEnd+1:]

		argsIdx := strings.Index(after, "ARGS:")
		if name == "" || argsIdx < 0 || strings.TrimSpace(after[:argsIdx]) != "" {
			cleaned.WriteString(block[:lineEnd+1])
			rest = after
			continue
		}

		raw, end, _ := scanJSONValue(after[argsIdx+len("ARGS:"):])
		if raw == "" {
			cleaned.WriteString(block[:lineEnd+1])
			rest = after
			continue
		}

		args := map[string]any{}
		if err := jsonx.DecodeLenient(raw, &args); err != nil {
			args = map[string]any{"_raw": raw}
		}
		calls = append(calls, ports.ToolCall{
			ID:        "call_" + newRequestID(),
			Name:      name,
			Arguments: args,
		})

		rest = after[argsIdx+len("ARGS:")+end:]
	}

	return strings.TrimSpace(cleaned.String()), calls
}

// findToolMarker locates a TOOL: marker at the start of a line.
func findToolMarker(s string) int {
	if strings.HasPrefix(s, "TOOL:") {
		return 0
	}
	idx := strings.Index(s, "\nTOOL:")
	if idx < 0 {
		return -1
	}
	return idx + 1
}
