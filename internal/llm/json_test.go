package llm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain object", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n[{\"a\":1}]\n```", `[{"a":1}]`},
		{"prose around", "Here you go:\n{\"a\": {\"b\": 2}}\nThanks!", `{"a": {"b": 2}}`},
		{"no json", "sorry", "sorry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.raw))
		})
	}
}

func TestCoercion(t *testing.T) {
	assert.True(t, CoerceBool("Yes"))
	assert.False(t, CoerceBool(nil))
	assert.Equal(t, 72.5, CoerceFloat("72.5%"))
	assert.True(t, math.IsNaN(CoerceFloat("high")))
	assert.Equal(t, []string{"a", "b"}, CoerceStrings([]any{"a", " ", "b"}))
	assert.Equal(t, []string{"single"}, CoerceStrings("single"))
	assert.Equal(t, 0.0, Clamp(math.NaN(), 0, 100))
	assert.Equal(t, 100.0, Clamp(140, 0, 100))
}
