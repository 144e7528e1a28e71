package provider

const (
	OpenRouterName         = "openrouter"
	OpenRouterURL          = "https://openrouter.ai/api/v1/chat/completions"
	OpenRouterDefaultModel = "deepseek/deepseek-chat:free"
	OpenRouterKeyEnv       = "OPENROUTER_API_KEY"
)

// OpenRouterEndpoint returns the OpenRouter endpoint for model, falling back
// to OpenRouterDefaultModel when model is empty.
func OpenRouterEndpoint(model string) Endpoint {
	if model == "" {
		model = OpenRouterDefaultModel
	}
	return Endpoint{
		Name:   OpenRouterName,
		URL:    OpenRouterURL,
		Model:  model,
		KeyEnv: OpenRouterKeyEnv,
		Headers: map[string]string{
			"HTTP-Referer": "https://github.com",
			"X-Title":      "Telegram ChatRelay",
		},
	}
}

// NewOpenRouter builds the OpenRouter client.
func NewOpenRouter(apiKey, model string, opts ...Option) *Client {
	return NewClient(OpenRouterEndpoint(model), apiKey, opts...)
}
