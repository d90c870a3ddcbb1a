package budget

import (
	"maps"
	"slices"
	"sync"
)

// ModelUsage aggregates calls and tokens for one model.
type ModelUsage struct {
	Calls        int64 `json:"calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add returns the sum of u and o.
func (u ModelUsage) Add(o ModelUsage) ModelUsage {
	return ModelUsage{
		Calls:        u.Calls + o.Calls,
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// Ledger keeps per-model usage totals plus the usage of the most recent
// call to each model. It is safe for concurrent use.
type Ledger struct {
	mu     sync.Mutex
	totals map[string]ModelUsage
	last   map[string]ModelUsage
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		totals: make(map[string]ModelUsage),
		last:   make(map[string]ModelUsage),
	}
}

// Record adds one call to model.
func (l *Ledger) Record(model string, input, output int64) {
	call := ModelUsage{Calls: 1, InputTokens: input, OutputTokens: output}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totals[model] = l.totals[model].Add(call)
	l.last[model] = call
}

// Model returns the totals for one model.
func (l *Ledger) Model(model string) ModelUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals[model]
}

// Last returns the usage of the most recent call to model.
func (l *Ledger) Last(model string) ModelUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last[model]
}

// Snapshot returns a copy of the per-model totals.
func (l *Ledger) Snapshot() map[string]ModelUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.totals)
}

// Models lists the models seen, sorted.
func (l *Ledger) Models() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Sorted(maps.Keys(l.totals))
}

// Total sums usage over every model.
func (l *Ledger) Total() ModelUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	var t ModelUsage
	for _, u := range l.totals {
		t = t.Add(u)
	}
	return t
}
