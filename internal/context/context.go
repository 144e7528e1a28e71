// Package context holds per-user conversation history and assembles the
// message list sent to a provider.
package context

// History is the conversation store as seen by the relay.
type History interface {
	AddMessage(userID string, role Role, content string)
	GetFormattedContext(userID string) []Message
	ResetContext(userID string) bool
}

// Assembler combines system prompt, history, and user message into a final message list.
type Assembler interface {
	Assemble(system string, history []Message, userMsg string) []Message
}
