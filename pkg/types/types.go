// Package types defines the shared types used across ai-warden packages.
//
// These types are the lingua franca between the HTTP transport, the turn
// orchestrator, the integrity chain and the provider adapters. Each package
// defines its own domain types; only cross-cutting data structures live here
// to avoid circular imports.
package types

// Role identifies the author of a [Message] in a model conversation.
type Role string

const (
	// RoleSystem carries the high-priority instruction that frames the game.
	RoleSystem Role = "system"

	// RoleUser carries text written by the player.
	RoleUser Role = "user"

	// RoleAssistant carries text previously produced by the warden.
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single entry in the ordered conversation sent to a provider.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser] or [RoleAssistant].
	Role Role

	// Content is the text content of the message.
	Content string
}

// Turn is one completed exchange of a game: the player's message followed by
// the warden's accepted response. A transcript is an ordered []Turn.
type Turn struct {
	// User is the text the player sent.
	User string `json:"user"`

	// AI is the response the server accepted and signed for that message.
	AI string `json:"ai"`
}

// Last returns the final turn of transcript and true, or the zero Turn and
// false when transcript is empty.
func Last(transcript []Turn) (Turn, bool) {
	if len(transcript) == 0 {
		return Turn{}, false
	}
	return transcript[len(transcript)-1], true
}
