package tools

import (
	"strings"
	"testing"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
)

func floatPtr(f float64) *float64 { return &f }

func TestValidateParams(t *testing.T) {
	t.Parallel()

	schema := ports.ParameterSchema{
		Type: "object",
		Properties: map[string]ports.Property{
			"path":    {Type: "string"},
			"count":   {Type: "integer", Minimum: floatPtr(1), Maximum: floatPtr(100)},
			"ratio":   {Type: "number"},
			"verbose": {Type: "boolean"},
			"headers": {Type: "object"},
			"tags":    {Type: "array"},
			"method":  {Type: "string", Enum: []any{"GET", "POST"}},
		},
		Required: []string{"path"},
	}

	cases := []struct {
		name    string
		params  map[string]any
		wantErr string
	}{
		{"valid", map[string]any{"path": "a.txt", "count": 3, "method": "GET"}, ""},
		{"missing required", map[string]any{"count": 3}, "required parameter"},
		{"wrong string type", map[string]any{"path": 42}, "expected string"},
		{"fraction for integer", map[string]any{"path": "a", "count": 2.5}, "expected integer"},
		{"json number for integer", map[string]any{"path": "a", "count": float64(7)}, ""},
		{"below minimum", map[string]any{"path": "a", "count": 0}, ">= 1"},
		{"above maximum", map[string]any{"path": "a", "count": 101}, "<= 100"},
		{"number accepts int", map[string]any{"path": "a", "ratio": 2}, ""},
		{"enum violation", map[string]any{"path": "a", "method": "BREW"}, "not one of"},
		{"boolean mismatch", map[string]any{"path": "a", "verbose": "yes"}, "expected boolean"},
		{"object ok", map[string]any{"path": "a", "headers": map[string]any{"X": "1"}}, ""},
		{"object mismatch", map[string]any{"path": "a", "headers": "X=1"}, "expected object"},
		{"array mismatch", map[string]any{"path": "a", "tags": "x"}, "expected array"},
		{"undeclared param passes", map[string]any{"path": "a", "extra": "anything"}, ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateParams(schema, tc.params)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.IsValidation(err) {
				t.Fatalf("not a validation error: %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidateParamsNumericEnum(t *testing.T) {
	t.Parallel()

	schema := ports.ParameterSchema{
		Type: "object",
		Properties: map[string]ports.Property{
			"port": {Type: "integer", Enum: []any{float64(22), float64(2222)}},
		},
	}

	if err := ValidateParams(schema, map[string]any{"port": 22}); err != nil {
		t.Fatalf("int against json enum: %v", err)
	}
	if err := ValidateParams(schema, map[string]any{"port": float64(2222)}); err != nil {
		t.Fatalf("float against json enum: %v", err)
	}
	if err := ValidateParams(schema, map[string]any{"port": 80}); err == nil {
		t.Fatal("expected enum violation")
	}
}
