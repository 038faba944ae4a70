package builtin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
	"neuron/internal/jsonx"
)

var allowedHTTPMethods = map[string]struct{}{
	http.MethodGet: {}, http.MethodPost: {}, http.MethodPut: {}, http.MethodDelete: {},
	http.MethodPatch: {}, http.MethodHead: {}, http.MethodOptions: {},
}

const (
	defaultUserAgent    = "neuron-agent/1.0"
	maxResponseBytes    = 2 * 1024 * 1024
	maxExtractedChars   = 15000
	defaultRequestSecs  = 30
	minRequestSecs      = 1
	maxRequestSecs      = 300
)

type webRequest struct {
	client *http.Client
}

// NewWebRequest performs HTTP requests against external services.
func NewWebRequest(cfg Config) ports.ToolExecutor {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &webRequest{client: client}
}

func (t *webRequest) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	rawURL, ok := stringArg(call.Arguments, "url")
	if !ok {
		return &ports.ToolResult{CallID: call.ID, Error: errors.NewValidationError("url", "url is required")}, nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return &ports.ToolResult{CallID: call.ID, Error: errors.NewValidationError("url", "url must use http or https")}, nil
	}

	method := http.MethodGet
	if raw, ok := stringArg(call.Arguments, "method"); ok {
		method = strings.ToUpper(raw)
		if _, ok := allowedHTTPMethods[method]; !ok {
			return &ports.ToolResult{CallID: call.ID, Error: errors.NewValidationError("method", "method %q is not supported", raw)}, nil
		}
	}

	timeout := clampTimeout(call.Arguments)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, contentType, err := requestBody(call.Arguments)
	if err != nil {
		return &ports.ToolResult{CallID: call.ID, Error: err}, nil
	}

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return &ports.ToolResult{CallID: call.ID, Error: errors.NewValidationError("url", "build request: %v", err)}, nil
	}
	if headers, ok := call.Arguments["headers"].(map[string]any); ok {
		for name, value := range headers {
			req.Header.Set(name, fmt.Sprintf("%v", value))
		}
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", defaultUserAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &ports.ToolResult{CallID: call.ID, Error: fmt.Errorf("request %s: %w", rawURL, err)}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &ports.ToolResult{CallID: call.ID, Error: fmt.Errorf("read response: %w", err)}, nil
	}

	respBody := string(raw)
	bodyType := "text"
	if jsonx.Valid(raw) {
		bodyType = "json"
	}
	if boolArg(call.Arguments, "extract_text") && strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		if text, err := htmlToText(respBody); err == nil {
			respBody = text
			bodyType = "text"
		}
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	return &ports.ToolResult{
		CallID: call.ID,
		Content: jsonContent(map[string]any{
			"success":     true,
			"status_code": resp.StatusCode,
			"status_ok":   resp.StatusCode >= 200 && resp.StatusCode < 300,
			"headers":     headers,
			"body":        respBody,
			"body_type":   bodyType,
			"url":         rawURL,
		}),
		Metadata: map[string]any{"status_code": resp.StatusCode},
	}, nil
}

// clampTimeout bounds the per-request timeout rather than rejecting outliers.
func clampTimeout(args map[string]any) time.Duration {
	secs := float64(defaultRequestSecs)
	if raw, ok := numberArg(args, "timeout"); ok {
		secs = raw
	}
	if secs < minRequestSecs {
		secs = minRequestSecs
	}
	if secs > maxRequestSecs {
		secs = maxRequestSecs
	}
	return time.Duration(secs * float64(time.Second))
}

func requestBody(args map[string]any) (io.Reader, string, error) {
	raw, ok := args["body"]
	if !ok || raw == nil {
		return nil, "", nil
	}
	switch v := raw.(type) {
	case string:
		return strings.NewReader(v), "", nil
	case map[string]any:
		encoded, err := jsonx.Marshal(v)
		if err != nil {
			return nil, "", errors.NewValidationError("body", "encode body: %v", err)
		}
		return bytes.NewReader(encoded), "application/json", nil
	default:
		return nil, "", errors.NewValidationError("body", "body must be a string or an object")
	}
}

// htmlToText reduces an HTML document to readable text: title, headings,
// paragraphs and list items, with boilerplate elements removed.
func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, footer, header, aside, iframe").Remove()

	var content strings.Builder
	if title := strings.TrimSpace(doc.Find("title").Text()); title != "" {
		content.WriteString("# " + title + "\n\n")
	}
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(i int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			level := s.Get(0).Data[1] - '0'
			content.WriteString(strings.Repeat("#", int(level)) + " " + text + "\n\n")
		}
	})
	doc.Find("p, article, section").Each(func(i int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" && len(text) > 30 {
			content.WriteString(text + "\n\n")
		}
	})
	doc.Find("ul, ol").Each(func(i int, s *goquery.Selection) {
		s.Find("li").Each(func(j int, li *goquery.Selection) {
			if text := strings.TrimSpace(li.Text()); text != "" {
				content.WriteString("- " + text + "\n")
			}
		})
		content.WriteString("\n")
	})

	result := content.String()
	if len(result) > maxExtractedChars {
		result = result[:maxExtractedChars] + "\n\n[Content truncated...]"
	}
	return result, nil
}

func (t *webRequest) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "web_request",
		Description: "Perform an HTTP request and return status, headers and body.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"url":          {Type: "string", Description: "Target URL (http or https)"},
				"method":       {Type: "string", Description: "HTTP method (default GET)", Enum: []any{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}},
				"headers":      {Type: "object", Description: "Request headers"},
				"body":         {Description: "Request body as a string, or an object encoded as JSON"},
				"timeout":      {Type: "number", Description: "Request timeout in seconds, clamped to 1-300 (default 30)"},
				"extract_text": {Type: "boolean", Description: "Reduce HTML responses to readable text"},
			},
			Required: []string{"url"},
		},
	}
}

func (t *webRequest) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{
		Name:                "web_request",
		DisplayName:         "Web Request",
		Version:             "1.0.0",
		Category:            "network",
		Tags:                []string{"http", "web"},
		PrivacyTier:         ports.PrivacyPublicAPI,
		SandboxTier:         ports.SandboxInProcess,
		EstimatedDurationMS: 30000,
		RatePerMinute:       30,
		Enabled:             true,
	}
}
