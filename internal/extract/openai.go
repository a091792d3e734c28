package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/rmarchant/webextract/internal/resilience"
)

// Client is the minimal surface we need from the OpenAI SDK, so tests
// and OpenAI-compatible local backends can stand in for the real one.
type Client interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIConfig tunes the OpenAI strategy.
type OpenAIConfig struct {
	Model       string
	Temperature float32
	Policy      resilience.Policy
}

const systemPromptTemplate = `You are an expert web scraping agent.
Extract relevant information from the provided HTML content following these instructions:

%s

%s
Return the data in the specified JSON format. Be thorough and accurate.`

// OpenAIStrategy extracts structured data through a chat model with a
// JSON response format.
type OpenAIStrategy struct {
	name    string
	client  Client
	cfg     OpenAIConfig
	invoker *resilience.Invoker
	logger  *zap.Logger
}

// NewOpenAIStrategy builds the strategy around a client.
func NewOpenAIStrategy(name string, client Client, cfg OpenAIConfig, invoker *resilience.Invoker, logger *zap.Logger) *OpenAIStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	pol := cfg.Policy
	if pol.MaxAttempts == 0 {
		pol = resilience.DefaultPolicy()
	}
	// The strategy owns retry classification regardless of how the
	// policy arrived.
	pol.Retryable = IsRetryable
	cfg.Policy = pol
	return &OpenAIStrategy{
		name:    name,
		client:  client,
		cfg:     cfg,
		invoker: invoker,
		logger:  logger,
	}
}

// Name identifies the provider; it also keys the circuit breaker.
func (s *OpenAIStrategy) Name() string { return s.name }

// EstimateUnits approximates the model token count of content.
func (s *OpenAIStrategy) EstimateUnits(content string) int {
	return defaultEstimate(content)
}

// Extract calls the model through the resilient invoker and validates
// the response against the request schema. Schema mismatches are final:
// no retry is spent on them.
func (s *OpenAIStrategy) Extract(ctx context.Context, req Request) (Result, error) {
	system := fmt.Sprintf(systemPromptTemplate, req.Instructions, req.Schema.Prompt())

	attempts := 0
	raw, err := resilience.Do(ctx, s.invoker, s.name, s.cfg.Policy, func(ctx context.Context) (string, error) {
		attempts++
		resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       s.cfg.Model,
			Temperature: s.cfg.Temperature,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: req.Content},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
		if err != nil {
			return "", s.classify(err)
		}
		if len(resp.Choices) == 0 {
			return "", NewError(KindTransient, s.name, errors.New("response has no choices"))
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		return Result{Attempts: attempts}, err
	}

	value, verr := decodeAgainstSchema(raw, req.Schema)
	if verr != nil {
		return Result{Attempts: attempts}, &Error{
			Kind:        KindSchemaMismatch,
			Provider:    s.name,
			RawResponse: raw,
			Cause:       verr,
		}
	}
	s.logger.Debug("extraction succeeded",
		zap.String("provider", s.name),
		zap.Int("attempts", attempts),
	)
	return Result{Value: value, Raw: raw, Attempts: attempts}, nil
}

// classify maps SDK failures onto the extraction taxonomy.
func (s *OpenAIStrategy) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return NewError(kindForStatus(apiErr.HTTPStatusCode), s.name, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewError(kindForStatus(reqErr.HTTPStatusCode), s.name, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewError(KindTransient, s.name, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTransient, s.name, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return NewError(KindTransient, s.name, err)
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return KindRateLimited
	case status == 401 || status == 403:
		return KindAuth
	case status >= 400 && status < 500:
		return KindMalformed
	default:
		return KindTransient
	}
}

// decodeAgainstSchema parses the model response and checks conformance.
func decodeAgainstSchema(raw string, schema Schema) (map[string]any, error) {
	cleaned := stripCodeFence(raw)
	var doc any
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, err
	}
	return doc.(map[string]any), nil
}

// stripCodeFence removes a markdown fence some models wrap JSON in.
func stripCodeFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
