package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripFences(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain json untouched",
			input:    `{"indices": [1, 2]}`,
			expected: `{"indices": [1, 2]}`,
		},
		{
			name:     "json fence",
			input:    "```json\n{\"indices\": [1]}\n```",
			expected: `{"indices": [1]}`,
		},
		{
			name:     "uppercase fence",
			input:    "```JSON\n{\"a\": 1}\n```",
			expected: `{"a": 1}`,
		},
		{
			name:     "bare fence",
			input:    "```\n{\"a\": 1}\n```",
			expected: `{"a": 1}`,
		},
		{
			name:     "surrounding whitespace",
			input:    "\n\n  ```json\n{\"a\": 1}\n```  \n",
			expected: `{"a": 1}`,
		},
		{
			name:     "multiline body preserved",
			input:    "```json\n{\n  \"a\": 1\n}\n```",
			expected: "{\n  \"a\": 1\n}",
		},
		{
			name:     "unterminated fence prefix",
			input:    "```json{\"a\": 1}",
			expected: `{"a": 1}`,
		},
		{
			name:     "empty input",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, StripFences(tt.input))
		})
	}
}
