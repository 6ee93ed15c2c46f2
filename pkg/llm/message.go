// Package llm holds the provider-neutral message and option types shared by
// the relay, the upstream client and the HTTP surface.
package llm

// Roles a Message may carry.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in the context sent upstream.
type Message struct {
	Role    string `json:"role"`    // "system", "user", "assistant"
	Content string `json:"content"` // The message content
}
