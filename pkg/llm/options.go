package llm

// Options contains the inference parameters sent with every chat completion.
type Options struct {
	// Sampling temperature (0.0-2.0)
	Temperature float32 `json:"temperature" toml:"temperature"`

	// Max tokens to generate
	MaxTokens int `json:"max_tokens" toml:"max_tokens"`
}

// DefaultOptions returns the parameters used for chat turns.
func DefaultOptions() Options {
	return Options{
		Temperature: 0.7,
		MaxTokens:   2000,
	}
}

// ProbeOptions returns the parameters used by connectivity checks: a tiny
// token cap keeps the call cheap.
func ProbeOptions() Options {
	return Options{MaxTokens: 10}
}
