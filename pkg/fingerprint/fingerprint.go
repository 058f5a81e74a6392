// Package fingerprint derives stable cache keys from chat requests.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"

	"github.com/chatgate/chatgate/pkg/models"
)

// version is mixed into every key so a change to the encoding below
// invalidates keys written by older builds instead of colliding with them.
const version = "chatgate/fp/v1"

// Size is the length of a fingerprint in hex characters.
const Size = sha256.Size * 2

// Compute returns the fingerprint of a model and its ordered message history.
//
// Every field is written as a uvarint length followed by its bytes, so message
// content can never imitate a field boundary. The result is identical across
// processes and builds.
func Compute(model string, messages []models.ChatMessage) string {
	h := sha256.New()
	writeField(h, version)
	writeField(h, model)
	writeLen(h, len(messages))
	for _, m := range messages {
		writeField(h, m.Role)
		writeField(h, m.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	writeLen(h, len(s))
	h.Write([]byte(s))
}

func writeLen(h hash.Hash, n int) {
	var buf [binary.MaxVarintLen64]byte
	h.Write(buf[:binary.PutUvarint(buf[:], uint64(n))])
}
