package orchestrator

import (
	"fmt"
	"strings"

	"github.com/rand/rlmrepl/internal/rlm/client"
)

// DefaultSystemPrompt explains the REPL to the model.
const DefaultSystemPrompt = `You are solving a task by writing JavaScript that runs in a persistent REPL.

Write code in fenced blocks tagged ` + "```repl" + `. Each block runs in order and you see
its output in the next turn. Top-level declarations (var, let, const, function,
class) persist between blocks and turns and can be declared again later.

## Available Functions

- print(...values) - Write a line to the output you will see
- console.log / console.error - Same, to stdout and stderr
- llm_query(prompt, model?) - Ask a sub-model; may run a nested session
- llm_query_batched(prompts, model?) - Ask many prompts concurrently, returns an array
- rlm_query(prompt, model?) - Run a nested session explicitly
- SHOW_VARS() - List your variables and their types
- FINAL(answer) - Finish with answer
- FINAL_VAR(name) - Finish with the value of variable name

If a ` + "`context`" + ` variable exists, it holds the material for the task. Explore it with
code instead of asking for it.

When you are done, call FINAL(...) in code or write a line starting with
FINAL(answer) or FINAL_VAR(name) outside any code block.`

const (
	continueNudge   = "No code was executed. Continue working on the task: write a ```repl block, or give your answer with FINAL(...)."
	bestEffortAsk   = "You have run out of iterations. Reply now with your best final answer as plain text, without code."
	nestedHintShape = "This is a sub-task delegated by a parent session at depth %d (limit %d). Answer exactly what is asked and finish with FINAL."
)

// buildPrompt assembles the messages for one turn.
func buildPrompt(system string, task Task, history []client.Message) []client.Message {
	msgs := make([]client.Message, 0, len(history)+2)
	msgs = append(msgs, client.Message{Role: client.RoleSystem, Content: system})

	var sb strings.Builder
	sb.WriteString(task.Prompt)
	if task.Hint != "" {
		sb.WriteString("\n\n")
		sb.WriteString(task.Hint)
	}
	if task.Context != nil {
		sb.WriteString("\n\nThe variable `context` is loaded in the REPL.")
	}
	msgs = append(msgs, client.Message{Role: client.RoleUser, Content: sb.String()})
	return append(msgs, history...)
}

// formatResults renders executed blocks for the model, truncated to limit
// characters.
func formatResults(blocks []CodeBlock, limit int) string {
	var sb strings.Builder
	for i, cb := range blocks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "Code block %d output:\n", i+1)
		res := cb.Result
		if res == nil {
			sb.WriteString("(not executed)")
			continue
		}
		out := strings.TrimRight(res.Stdout, "\n")
		if out == "" && !res.Failed() {
			out = "(no output)"
		}
		sb.WriteString(out)
		if res.Failed() {
			if out != "" {
				sb.WriteString("\n")
			}
			sb.WriteString("Error:\n")
			sb.WriteString(strings.TrimRight(res.Stderr, "\n"))
		}
		if names := res.Locals.Names(); len(names) > 0 {
			sb.WriteString("\nVariables: ")
			sb.WriteString(strings.Join(names, ", "))
		}
	}
	return truncate(sb.String(), limit)
}

// truncate keeps the first limit characters of s and notes what was cut.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + fmt.Sprintf("\n... [truncated %d characters]", len(r)-limit)
}

// contextCode binds the task context as a global.
func contextCode(data []byte) string {
	return "var context = " + string(data) + ";"
}

// finalVarCode resolves a variable through FINAL_VAR in the environment.
func finalVarCode(name string) string {
	return fmt.Sprintf("FINAL_VAR(%q)", name)
}
