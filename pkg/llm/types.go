// Package llm provides optional cloud-model "escalation" adapters the JSON
// patch loop may call as a last resort when the local backend cannot be
// coaxed into valid JSON. It deliberately supports only a single blocking
// completion call — no streaming, no tool use — since that is all the
// patch loop ever needs.
package llm

import "fmt"

// Role identifies the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn in a conversation sent to an escalation provider.
type Message struct {
	Role Role
	Text string
}

// GenerateRequest is the unified input to an escalation Client.
type GenerateRequest struct {
	Model       string
	Messages    []Message
	System      string
	MaxTokens   int
	Temperature float64
}

// GenerateResponse is the unified output from an escalation Client.
type GenerateResponse struct {
	Text string
}

// ParseModelID splits "provider:model-name" into (provider, modelName, nil).
// Both parts must be non-empty and the colon separator is required.
func ParseModelID(id string) (provider, modelName string, err error) {
	for i, c := range id {
		if c == ':' {
			p := id[:i]
			m := id[i+1:]
			if p == "" {
				return "", "", fmt.Errorf("model ID %q: empty provider name", id)
			}
			if m == "" {
				return "", "", fmt.Errorf("model ID %q: empty model name", id)
			}
			return p, m, nil
		}
	}
	return "", "", fmt.Errorf("model ID %q: missing 'provider:model-name' format", id)
}
