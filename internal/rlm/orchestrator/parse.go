package orchestrator

import (
	"strings"
)

// Languages whose fenced blocks are executed.
var executable = map[string]bool{"repl": true, "js": true, "javascript": true}

// Sentinel is a final-answer marker written outside code.
type Sentinel struct {
	// Var is set for FINAL_VAR, whose Value names a variable.
	Var   bool
	Value string
}

// Parsed is what a model response asks for, in order.
type Parsed struct {
	// Blocks are executable code blocks before the sentinel.
	Blocks []string

	// Sentinel is the first final-answer marker, if any.
	Sentinel *Sentinel

	// Ignored counts executable blocks after the sentinel.
	Ignored int
}

// Parse scans a response for fenced code blocks and a final-answer
// sentinel. Markers inside any fenced block are code, not sentinels. An
// unterminated executable block runs to the end of the response.
func Parse(text string) Parsed {
	var p Parsed
	lines := strings.Split(text, "\n")

	inFence, runnable := false, false
	var block []string
	flush := func() {
		if !runnable {
			return
		}
		if p.Sentinel != nil {
			p.Ignored++
			return
		}
		p.Blocks = append(p.Blocks, strings.Join(block, "\n"))
	}

	for n, line := range lines {
		trimmed := strings.TrimSpace(line)
		if inFence {
			if trimmed == "```" {
				flush()
				inFence, runnable, block = false, false, nil
				continue
			}
			block = append(block, line)
			continue
		}
		if lang, ok := strings.CutPrefix(trimmed, "```"); ok {
			inFence = true
			runnable = executable[strings.ToLower(strings.TrimSpace(lang))]
			continue
		}
		if p.Sentinel == nil {
			p.Sentinel = sentinelAt(lines, n)
		}
	}
	if inFence {
		flush()
	}
	return p
}

func sentinelAt(lines []string, n int) *Sentinel {
	line := strings.TrimLeft(lines[n], " \t")
	if rest, ok := strings.CutPrefix(line, "FINAL_VAR("); ok {
		name, _, _ := strings.Cut(rest, ")")
		return &Sentinel{Var: true, Value: unquote(strings.TrimSpace(name))}
	}
	if rest, ok := strings.CutPrefix(line, "FINAL("); ok {
		rest = strings.Join(append([]string{rest}, lines[n+1:]...), "\n")
		return &Sentinel{Value: unquote(strings.TrimSpace(balanced(rest)))}
	}
	return nil
}

// balanced returns s up to the parenthesis closing an already open one.
// Without a match it returns s up to its last closing parenthesis.
func balanced(s string) string {
	depth := 1
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[:i]
			}
		}
	}
	if i := strings.LastIndexByte(s, ')'); i >= 0 {
		return s[:i]
	}
	return s
}

func unquote(s string) string {
	for _, q := range []string{`"""`, `"`, `'`, "`"} {
		if len(s) >= 2*len(q) && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			return s[len(q) : len(s)-len(q)]
		}
	}
	return s
}
