package provider

const (
	DeepSeekName   = "deepseek"
	DeepSeekURL    = "https://api.deepseek.com/chat/completions"
	DeepSeekModel  = "deepseek-chat"
	DeepSeekKeyEnv = "DEEPSEEK_API_KEY"
)

func DeepSeekEndpoint() Endpoint {
	return Endpoint{
		Name:   DeepSeekName,
		URL:    DeepSeekURL,
		Model:  DeepSeekModel,
		KeyEnv: DeepSeekKeyEnv,
	}
}

// NewDeepSeek builds the DeepSeek client. The model is fixed.
func NewDeepSeek(apiKey string, opts ...Option) *Client {
	return NewClient(DeepSeekEndpoint(), apiKey, opts...)
}
