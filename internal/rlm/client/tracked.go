package client

import (
	"context"

	"github.com/rand/rlmrepl/internal/budget"
)

// Tracked wraps a client and records per-model usage for every completion.
// With a tracker set, calls are refused once a hard budget limit is hit.
type Tracked struct {
	inner   Client
	ledger  *budget.Ledger
	tracker *budget.Tracker
}

// NewTracked wraps c. A nil tracker disables limit enforcement.
func NewTracked(c Client, tracker *budget.Tracker) *Tracked {
	return &Tracked{inner: c, ledger: budget.NewLedger(), tracker: tracker}
}

// Complete implements Client.
func (t *Tracked) Complete(ctx context.Context, req Request) (*Response, error) {
	if t.tracker != nil {
		if err := t.tracker.Allow(); err != nil {
			return nil, err
		}
	}
	resp, err := t.inner.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	t.ledger.Record(model, resp.InputTokens, resp.OutputTokens)
	if t.tracker != nil {
		t.tracker.AddTokens(resp.InputTokens, resp.OutputTokens)
	}
	return resp, nil
}

// Usage returns aggregated usage per model.
func (t *Tracked) Usage() map[string]budget.ModelUsage {
	return t.ledger.Snapshot()
}

// ModelUsage returns aggregated usage for one model.
func (t *Tracked) ModelUsage(model string) budget.ModelUsage {
	return t.ledger.Model(model)
}

// LastUsage returns the usage of the most recent call to model.
func (t *Tracked) LastUsage(model string) budget.ModelUsage {
	return t.ledger.Last(model)
}

// Ledger exposes the underlying ledger.
func (t *Tracked) Ledger() *budget.Ledger {
	return t.ledger
}
