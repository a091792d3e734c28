package extract

import (
	"sort"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/rmarchant/webextract/internal/resilience"
)

// Built-in provider identifiers.
const (
	ProviderOpenAI = "openai"
	ProviderStub   = "stub"
)

// ProviderConfig carries per-provider settings from configuration.
type ProviderConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Policy      resilience.Policy
}

// Factory resolves strategies by identifier. Construction is expensive
// (clients, warmup), so each strategy is built once and reused.
type Factory struct {
	providers map[string]ProviderConfig
	invoker   *resilience.Invoker
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]Strategy
}

// NewFactory builds a factory over the configured providers.
func NewFactory(providers map[string]ProviderConfig, invoker *resilience.Invoker, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if providers == nil {
		providers = map[string]ProviderConfig{}
	}
	return &Factory{
		providers: providers,
		invoker:   invoker,
		logger:    logger,
		cache:     make(map[string]Strategy),
	}
}

// Known lists the resolvable provider identifiers, sorted.
func (f *Factory) Known() []string {
	names := []string{ProviderStub}
	for name := range f.providers {
		if name != ProviderStub {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Strategy returns the cached singleton for the identifier, building it
// on first use. Unknown identifiers fail with a ConfigError naming the
// known providers.
func (f *Factory) Strategy(name string) (Strategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.cache[name]; ok {
		return s, nil
	}

	s, err := f.build(name)
	if err != nil {
		return nil, err
	}
	f.cache[name] = s
	f.logger.Debug("extraction strategy constructed", zap.String("provider", name))
	return s, nil
}

func (f *Factory) build(name string) (Strategy, error) {
	if name == ProviderStub {
		return NewStubStrategy(ProviderStub), nil
	}

	cfg, ok := f.providers[name]
	if !ok {
		return nil, &ConfigError{Name: name, Known: f.Known()}
	}
	if cfg.APIKey == "" {
		return nil, &ConfigError{Name: name, Reason: "api key is not configured"}
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(clientCfg)
	return NewOpenAIStrategy(name, client, OpenAIConfig{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Policy:      cfg.Policy,
	}, f.invoker, f.logger), nil
}
