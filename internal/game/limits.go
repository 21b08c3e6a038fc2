package game

import (
	"strings"
	"unicode/utf8"

	"github.com/ascpixi/ai-warden/internal/integrity"
	"github.com/ascpixi/ai-warden/pkg/types"
)

// Limits bounds the size of a game. Lengths are counted in runes.
type Limits struct {
	// MaxMessages is the number of messages a player may send per game.
	// The transcript therefore holds at most MaxMessages-1 turns.
	MaxMessages int

	MaxUserMessageLength int
	MaxAIMessageLength   int
	MaxSecretLength      int
	MaxProofLength       int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxMessages:          10,
		MaxUserMessageLength: 1024,
		MaxAIMessageLength:   2048,
		MaxSecretLength:      48,
		MaxProofLength:       2048,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxMessages <= 0 {
		l.MaxMessages = d.MaxMessages
	}
	if l.MaxUserMessageLength <= 0 {
		l.MaxUserMessageLength = d.MaxUserMessageLength
	}
	if l.MaxAIMessageLength <= 0 {
		l.MaxAIMessageLength = d.MaxAIMessageLength
	}
	if l.MaxSecretLength <= 0 {
		l.MaxSecretLength = d.MaxSecretLength
	}
	if l.MaxProofLength <= 0 {
		l.MaxProofLength = d.MaxProofLength
	}
	return l
}

// MaxTranscript returns the maximum number of turns a transcript may carry.
func (l Limits) MaxTranscript() int { return l.MaxMessages - 1 }

// checkProof validates the capability proof field.
func (l Limits) checkProof(proof string) *Error {
	return checkText("capabilityProof", proof, l.MaxProofLength)
}

// checkTurn validates every field of a turn request that can be checked
// without keys or network calls.
func (l Limits) checkTurn(req TurnRequest) *Error {
	if err := l.checkProof(req.CapabilityProof); err != nil {
		return err
	}
	if err := checkText("gameSecret", req.GameSecret, l.MaxSecretLength); err != nil {
		return err
	}
	if err := checkText("newUserMessage", req.NewUserMessage, l.MaxUserMessageLength); err != nil {
		return err
	}
	if n := len(req.Transcript); n > l.MaxTranscript() {
		return invalid("transcript has %d turns, at most %d allowed", n, l.MaxTranscript())
	}
	for i, t := range req.Transcript {
		if err := checkText("transcript.user", t.User, l.MaxUserMessageLength); err != nil {
			return invalid("turn %d: %w", i, err.Err)
		}
		if err := checkText("transcript.ai", t.AI, l.MaxAIMessageLength); err != nil {
			return invalid("turn %d: %w", i, err.Err)
		}
	}
	if req.IntegrityTag != "" && !integrity.WellFormed(req.IntegrityTag) {
		return invalid("integrityTag must be %d lower-case hex characters", integrity.TagLength)
	}
	return nil
}

func checkText(field, s string, limit int) *Error {
	if strings.TrimSpace(s) == "" {
		return invalid("%s is required", field)
	}
	if n := utf8.RuneCountInString(s); n > limit {
		return invalid("%s is %d characters, at most %d allowed", field, n, limit)
	}
	return nil
}

// remaining returns how many messages the player may still send after a
// turn over transcript completes.
func (l Limits) remaining(transcript []types.Turn) int {
	return max(l.MaxMessages-len(transcript)-1, 0)
}
