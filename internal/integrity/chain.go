// Package integrity computes and verifies keyed digests over a game
// transcript.
//
// A tag proves that a transcript was authored by this server for a specific
// game secret. The client stores both the transcript and the tag and echoes
// them back on the next turn; the server recomputes the digest from scratch
// and rejects any history it did not produce.
//
// Each field is framed as an 8-byte big-endian length followed by its bytes,
// so moving text between adjacent fields always changes the digest. Tags are
// therefore not compatible with a digest over the plain concatenation of the
// fields.
package integrity

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash"

	"github.com/ascpixi/ai-warden/pkg/types"
)

// TagLength is the length of an encoded tag: a hex-encoded SHA-512 HMAC.
const TagLength = sha512.Size * 2

// MinKeyLength is the minimum accepted key size in bytes.
const MinKeyLength = 32

// ErrShortKey is returned by [New] when the key is shorter than [MinKeyLength].
var ErrShortKey = errors.New("integrity: key must be at least 32 bytes")

// Chain signs and verifies transcripts with a server-held key. It holds no
// mutable state and is safe for concurrent use.
type Chain struct {
	key []byte
}

// New returns a Chain using key. The key is copied.
func New(key []byte) (*Chain, error) {
	if len(key) < MinKeyLength {
		return nil, ErrShortKey
	}
	return &Chain{key: append([]byte(nil), key...)}, nil
}

// Sign returns the tag over secret, every turn in transcript, and the new
// turn formed by newUser and newAI.
func (c *Chain) Sign(secret string, transcript []types.Turn, newUser, newAI string) string {
	mac := c.digest(secret, transcript)
	writeField(mac, newUser)
	writeField(mac, newAI)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether tag was produced by [Chain.Sign] for secret and
// transcript, where the last turn of transcript was the new turn at signing
// time. Malformed tags are reported as false.
func (c *Chain) Verify(secret string, transcript []types.Turn, tag string) bool {
	if !WellFormed(tag) {
		return false
	}
	claimed, err := hex.DecodeString(tag)
	if err != nil {
		return false
	}
	return hmac.Equal(c.digest(secret, transcript).Sum(nil), claimed)
}

func (c *Chain) digest(secret string, transcript []types.Turn) hash.Hash {
	mac := hmac.New(sha512.New, c.key)
	writeField(mac, secret)
	for _, t := range transcript {
		writeField(mac, t.User)
		writeField(mac, t.AI)
	}
	return mac
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

// WellFormed reports whether tag has the exact shape of an encoded tag:
// [TagLength] lower-case hex characters.
func WellFormed(tag string) bool {
	if len(tag) != TagLength {
		return false
	}
	for i := 0; i < len(tag); i++ {
		ch := tag[i]
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return false
		}
	}
	return true
}
