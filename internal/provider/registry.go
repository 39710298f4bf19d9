package provider

import "fmt"

const (
	openAIDefaultBase    = "https://api.openai.com"
	openRouterDefaultURL = "https://openrouter.ai/api"
	kiloDefaultURL       = "https://api.kilocode.ai"
	zaiDefaultURL        = "https://api.z.ai/api/anthropic"
)

// Registry resolves an account's provider name to the Adapter that knows
// how to talk to it.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds the default registry covering every back end named in
// the domain stack: Anthropic direct, Anthropic-compatible gateways (z.ai),
// and OpenAI-compatible gateways (OpenRouter, Kilo, generic).
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}

	r.Register(NewAnthropic())
	r.Register(NewAnthropicCompatible("anthropic-compatible", anthropicDefaultBase))
	r.Register(NewAnthropicCompatible("zai", zaiDefaultURL))
	r.Register(NewOpenAICompatible("openai-compatible", openAIDefaultBase))
	r.Register(NewOpenAICompatible("openrouter", openRouterDefaultURL))
	r.Register(NewOpenAICompatible("kilo", kiloDefaultURL))

	return r
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Descriptor().Name] = a
}

// For resolves the adapter for a provider name. Any unrecognised name
// resolves to the generic openai-compatible adapter, mirroring the
// teacher's "Custom provider treated as OpenAI-compatible" default branch;
// the account's CustomEndpoint, if set, then replaces that adapter's
// default base URL.
func (r *Registry) For(providerName string) (Adapter, error) {
	if a, ok := r.adapters[providerName]; ok {
		return a, nil
	}
	if a, ok := r.adapters["openai-compatible"]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("unknown provider %q and no openai-compatible fallback registered", providerName)
}
