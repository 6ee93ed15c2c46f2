package normalize

import (
	"encoding/json"

	"github.com/sashabaranov/go-openai"
)

// Envelope is a decoded upstream payload, keyed by top-level field.
type Envelope map[string]json.RawMessage

// Extractor pulls the text fragment out of one envelope shape. Extract
// reports matched=false when the envelope is not of its shape, so the next
// extractor is tried. A matched envelope with no text yields "".
type Extractor struct {
	Name    string
	Extract func(env Envelope) (content string, matched bool, err error)
}

// DefaultExtractors lists the known envelope shapes in probing order.
var DefaultExtractors = []Extractor{
	{Name: "openai-delta", Extract: extractOpenAIDelta},
	{Name: "flat-content", Extract: flatField("content")},
	{Name: "flat-text", Extract: flatField("text")},
}

// extractOpenAIDelta handles {"choices":[{"delta":{"content":"..."}}]}.
func extractOpenAIDelta(env Envelope) (string, bool, error) {
	raw, ok := env["choices"]
	if !ok {
		return "", false, nil
	}

	var choices []openai.ChatCompletionStreamChoice
	if err := json.Unmarshal(raw, &choices); err != nil {
		return "", true, err
	}
	if len(choices) == 0 {
		return "", true, nil
	}

	return choices[0].Delta.Content, true, nil
}

// flatField handles {"<key>":"..."}. Non-string values carry no text.
func flatField(key string) func(Envelope) (string, bool, error) {
	return func(env Envelope) (string, bool, error) {
		raw, ok := env[key]
		if !ok {
			return "", false, nil
		}

		var content string
		if err := json.Unmarshal(raw, &content); err != nil {
			return "", true, nil
		}

		return content, true, nil
	}
}
