package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		blocks   []string
		sentinel *Sentinel
		ignored  int
	}{
		{
			name:     "sentinel only",
			text:     `FINAL("42")`,
			sentinel: &Sentinel{Value: "42"},
		},
		{
			name:   "executable languages",
			text:   "```repl\na\n```\n```js\nb\n```\n```JavaScript\nc\n```\n```python\nd\n```\n```\ne\n```",
			blocks: []string{"a", "b", "c"},
		},
		{
			name:   "markers inside code are code",
			text:   "```repl\nFINAL(1)\n```\n```text\nFINAL(2)\n```",
			blocks: []string{"FINAL(1)"},
		},
		{
			name:     "blocks after the sentinel are ignored",
			text:     "```repl\nvar x = 1\n```\nFINAL_VAR(x)\n```repl\nx = 2\n```",
			blocks:   []string{"var x = 1"},
			sentinel: &Sentinel{Var: true, Value: "x"},
			ignored:  1,
		},
		{
			name:     "quoted variable name",
			text:     `  FINAL_VAR("result")`,
			sentinel: &Sentinel{Var: true, Value: "result"},
		},
		{
			name:     "multi-line answer with nested parentheses",
			text:     "Done.\nFINAL(The answer (roughly)\nspans lines)\nthanks",
			sentinel: &Sentinel{Value: "The answer (roughly)\nspans lines"},
		},
		{
			name:     "unbalanced answer runs to the last parenthesis",
			text:     "FINAL(open ( paren)",
			sentinel: &Sentinel{Value: "open ( paren"},
		},
		{
			name:     "sentinel must start the line",
			text:     "I will call FINAL(x) later",
			sentinel: nil,
		},
		{
			name:   "unterminated block runs to the end",
			text:   "```repl\nprint(1)\nprint(2)",
			blocks: []string{"print(1)\nprint(2)"},
		},
		{
			name: "plain thinking",
			text: "Let me think about this.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Parse(tt.text)
			assert.Equal(t, tt.blocks, p.Blocks)
			assert.Equal(t, tt.sentinel, p.Sentinel)
			assert.Equal(t, tt.ignored, p.Ignored)
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc\n... [truncated 3 characters]", truncate("abcdef", 3))
	assert.Equal(t, "héé\n... [truncated 1 characters]", truncate("héél", 3))
	assert.Equal(t, "unbounded", truncate("unbounded", 0))
}
