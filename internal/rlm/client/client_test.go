package client_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/rlmrepl/internal/budget"
	"github.com/rand/rlmrepl/internal/rlm/client"
	"github.com/rand/rlmrepl/internal/rlm/client/clienttest"
)

func TestGo_DeliversOneResult(t *testing.T) {
	c := clienttest.Echo()
	res, ok := <-client.Go(context.Background(), c, client.Prompt("hi", ""))
	require.True(t, ok)
	require.NoError(t, res.Err)
	assert.Equal(t, "HI", res.Response.Text)

	_, ok = <-client.Go(context.Background(), c, client.Prompt("x", ""))
	assert.True(t, ok)
}

func TestGo_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	c := client.Func(func(context.Context, client.Request) (*client.Response, error) { return nil, boom })
	res := <-client.Go(context.Background(), c, client.Prompt("hi", ""))
	assert.ErrorIs(t, res.Err, boom)
}

func TestTracked_RecordsPerModelUsage(t *testing.T) {
	c := client.NewTracked(client.Func(func(_ context.Context, req client.Request) (*client.Response, error) {
		return &client.Response{Text: "ok", Model: req.Model, InputTokens: 10, OutputTokens: 3}, nil
	}), nil)
	ctx := context.Background()

	for _, m := range []string{"a", "a", "b"} {
		_, err := c.Complete(ctx, client.Prompt("p", m))
		require.NoError(t, err)
	}

	assert.Equal(t, budget.ModelUsage{Calls: 2, InputTokens: 20, OutputTokens: 6}, c.ModelUsage("a"))
	assert.Equal(t, budget.ModelUsage{Calls: 1, InputTokens: 10, OutputTokens: 3}, c.LastUsage("a"))
	assert.Len(t, c.Usage(), 2)
}

func TestTracked_EnforcesLimits(t *testing.T) {
	tracker := budget.NewTracker(budget.Limits{MaxOutputTokens: 5})
	inner := clienttest.Sequence("a long enough answer")
	c := client.NewTracked(inner, tracker)

	_, err := c.Complete(context.Background(), client.Prompt("p", ""))
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), client.Prompt("p", ""))
	require.ErrorIs(t, err, budget.ErrBudgetExceeded)
	assert.Equal(t, 1, inner.Calls(), "refused calls never reach the provider")
}

func TestTracked_ConcurrentUse(t *testing.T) {
	c := client.NewTracked(clienttest.Echo(), budget.NewTracker(budget.Limits{}))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Complete(context.Background(), client.Prompt("x", "m"))
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(20), c.ModelUsage("m").Calls)
}

func TestTranscript(t *testing.T) {
	assert.Equal(t, "just this", client.Transcript([]client.Message{{Role: client.RoleUser, Content: "just this"}}))

	got := client.Transcript([]client.Message{
		{Role: client.RoleSystem, Content: "be brief"},
		{Role: client.RoleUser, Content: "task"},
		{Role: client.RoleAssistant, Content: "answer"},
	})
	assert.Equal(t, "[system]\nbe brief\n\n[user]\ntask\n\n[assistant]\nanswer", got)
}

func TestNewProvider_RequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")

	_, err := client.NewProvider(client.ProviderConfig{Name: client.ProviderAnthropic})
	assert.Error(t, err)
	_, err = client.NewProvider(client.ProviderConfig{Name: client.ProviderOpenRouter})
	assert.Error(t, err)
	_, err = client.NewProvider(client.ProviderConfig{Name: "nope", APIKey: "k"})
	assert.Error(t, err)

	p, err := client.NewProvider(client.ProviderConfig{Name: client.ProviderAnthropic, APIKey: "k"})
	require.NoError(t, err)
	_, err = client.NewFantasy(client.FantasyConfig{Provider: p})
	assert.Error(t, err, "a model is required")
	f, err := client.NewFantasy(client.FantasyConfig{Provider: p, Model: client.DefaultModel(client.ProviderAnthropic)})
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", f.Model())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), client.EstimateTokens(""))
	assert.Equal(t, int64(1), client.EstimateTokens("abcd"))
	assert.Equal(t, int64(2), client.EstimateTokens("abcde"))
}
