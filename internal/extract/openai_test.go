package extract

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmarchant/webextract/internal/resilience"
)

// fakeClient scripts a sequence of responses.
type fakeClient struct {
	mu        sync.Mutex
	responses []fakeTurn
	calls     int
}

type fakeTurn struct {
	content string
	err     error
}

func (c *fakeClient) CreateChatCompletion(_ context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	turn := fakeTurn{content: "{}"}
	if c.calls < len(c.responses) {
		turn = c.responses[c.calls]
	} else if len(c.responses) > 0 {
		turn = c.responses[len(c.responses)-1]
	}
	c.calls++
	if turn.err != nil {
		return openai.ChatCompletionResponse{}, turn.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: turn.content}},
		},
	}, nil
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func titleSchema() Schema {
	return Schema{
		Name:   "page",
		Fields: []Field{{Name: "title", Type: TypeString}},
	}
}

func testStrategy(client Client, attempts int) (*OpenAIStrategy, *resilience.Invoker) {
	inv := resilience.NewInvoker(resilience.BreakerConfig{FailureThreshold: 100}, nil)
	return NewOpenAIStrategy("openai", client, OpenAIConfig{
		Model: "gpt-4o-mini",
		Policy: resilience.Policy{
			MaxAttempts:  attempts,
			InitialDelay: time.Millisecond,
			Multiplier:   1.0,
		},
	}, inv, nil), inv
}

func TestExtractSuccess(t *testing.T) {
	client := &fakeClient{responses: []fakeTurn{{content: `{"title": "Home"}`}}}
	strat, _ := testStrategy(client, 3)

	res, err := strat.Extract(context.Background(), Request{
		Content:      "<html><title>Home</title></html>",
		Instructions: "get the title",
		Schema:       titleSchema(),
	})
	require.NoError(t, err)
	assert.Equal(t, "Home", res.Value["title"])
	assert.Equal(t, 1, res.Attempts)
}

func TestExtractRetriesRateLimit(t *testing.T) {
	rateLimited := &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}
	client := &fakeClient{responses: []fakeTurn{
		{err: rateLimited},
		{err: rateLimited},
		{content: `{"title": "Home"}`},
	}}
	strat, _ := testStrategy(client, 3)

	res, err := strat.Extract(context.Background(), Request{Schema: titleSchema()})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, client.callCount())
}

func TestExtractAuthFailureIsNotRetried(t *testing.T) {
	client := &fakeClient{responses: []fakeTurn{
		{err: &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}},
	}}
	strat, _ := testStrategy(client, 5)

	_, err := strat.Extract(context.Background(), Request{Schema: titleSchema()})
	require.Error(t, err)
	assert.Equal(t, 1, client.callCount())

	var eerr *Error
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, KindAuth, eerr.Kind)
}

func TestExtractTransientServerErrorsExhaust(t *testing.T) {
	client := &fakeClient{responses: []fakeTurn{
		{err: &openai.APIError{HTTPStatusCode: 503, Message: "overloaded"}},
	}}
	strat, _ := testStrategy(client, 3)

	_, err := strat.Extract(context.Background(), Request{Schema: titleSchema()})
	require.Error(t, err)
	assert.Equal(t, 3, client.callCount())

	var exhausted *resilience.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestExtractSchemaMismatchIsFinal(t *testing.T) {
	client := &fakeClient{responses: []fakeTurn{
		{content: `{"headline": "wrong shape"}`},
	}}
	strat, _ := testStrategy(client, 5)

	_, err := strat.Extract(context.Background(), Request{Schema: titleSchema()})
	require.Error(t, err)
	assert.Equal(t, 1, client.callCount(), "schema mismatch must not consume retries")

	var eerr *Error
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, KindSchemaMismatch, eerr.Kind)
	assert.Contains(t, eerr.RawResponse, "headline", "raw response kept for diagnostics")
}

func TestExtractAcceptsFencedJSON(t *testing.T) {
	client := &fakeClient{responses: []fakeTurn{
		{content: "```json\n{\"title\": \"Home\"}\n```"},
	}}
	strat, _ := testStrategy(client, 1)

	res, err := strat.Extract(context.Background(), Request{Schema: titleSchema()})
	require.NoError(t, err)
	assert.Equal(t, "Home", res.Value["title"])
}

func TestExtractCircuitTripsAfterConsecutiveFailures(t *testing.T) {
	client := &fakeClient{responses: []fakeTurn{
		{err: &openai.APIError{HTTPStatusCode: 503, Message: "down"}},
	}}
	inv := resilience.NewInvoker(resilience.BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         time.Hour,
	}, nil)
	strat := NewOpenAIStrategy("openai", client, OpenAIConfig{
		Policy: resilience.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond, Multiplier: 1.0},
	}, inv, nil)

	for i := 0; i < 5; i++ {
		_, err := strat.Extract(context.Background(), Request{Schema: titleSchema()})
		require.Error(t, err)
	}
	require.Equal(t, 5, client.callCount())

	// Sixth call fails fast without reaching the provider.
	_, err := strat.Extract(context.Background(), Request{Schema: titleSchema()})
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 5, client.callCount())
}

func TestClassifyStatuses(t *testing.T) {
	strat, _ := testStrategy(&fakeClient{}, 1)
	tests := []struct {
		status int
		kind   ErrorKind
	}{
		{429, KindRateLimited},
		{401, KindAuth},
		{403, KindAuth},
		{400, KindMalformed},
		{422, KindMalformed},
		{500, KindTransient},
		{503, KindTransient},
	}
	for _, tc := range tests {
		err := strat.classify(&openai.APIError{HTTPStatusCode: tc.status})
		var eerr *Error
		require.ErrorAs(t, err, &eerr)
		assert.Equal(t, tc.kind, eerr.Kind, "status %d", tc.status)
	}
}

func TestClassifyContextCancellationPassesThrough(t *testing.T) {
	strat, _ := testStrategy(&fakeClient{}, 1)
	err := strat.classify(context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsRetryable(err))
}

func TestFactoryResolvesAndCaches(t *testing.T) {
	inv := resilience.NewInvoker(resilience.BreakerConfig{}, nil)
	f := NewFactory(map[string]ProviderConfig{
		"openai": {APIKey: "sk-test", Model: "gpt-4o-mini"},
	}, inv, nil)

	a, err := f.Strategy("openai")
	require.NoError(t, err)
	b, err := f.Strategy("openai")
	require.NoError(t, err)
	assert.Same(t, a.(*OpenAIStrategy), b.(*OpenAIStrategy), "strategies are singletons")
}

func TestFactoryUnknownProviderListsKnown(t *testing.T) {
	inv := resilience.NewInvoker(resilience.BreakerConfig{}, nil)
	f := NewFactory(map[string]ProviderConfig{
		"openai": {APIKey: "sk-test"},
	}, inv, nil)

	_, err := f.Strategy("mistral")
	require.Error(t, err)

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "mistral", cerr.Name)
	assert.Equal(t, []string{"openai", "stub"}, cerr.Known)
}

func TestFactoryMissingAPIKey(t *testing.T) {
	inv := resilience.NewInvoker(resilience.BreakerConfig{}, nil)
	f := NewFactory(map[string]ProviderConfig{
		"openai": {},
	}, inv, nil)

	_, err := f.Strategy("openai")
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Error(), "api key")
}

func TestFactoryStubAlwaysAvailable(t *testing.T) {
	f := NewFactory(nil, resilience.NewInvoker(resilience.BreakerConfig{}, nil), nil)
	s, err := f.Strategy(ProviderStub)
	require.NoError(t, err)
	assert.Equal(t, ProviderStub, s.Name())
}

func TestStubStrategySchemaEnforcement(t *testing.T) {
	s := NewStubStrategy("stub")
	s.Respond(`{"title": "ok"}`)
	res, err := s.Extract(context.Background(), Request{Schema: titleSchema()})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value["title"])

	s.Respond(`{"nope": 1}`)
	_, err = s.Extract(context.Background(), Request{Schema: titleSchema()})
	var eerr *Error
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, KindSchemaMismatch, eerr.Kind)

	s.FailWith(errors.New("synthetic"))
	_, err = s.Extract(context.Background(), Request{Schema: titleSchema()})
	require.Error(t, err)
}
