package transactions

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// IdempotencyKey derives the processor key for a pairing. It depends only on
// the two listing ids, so every retry and every restart reuses the same key.
func IdempotencyKey(requestID, offerID string) string {
	sum := blake2b.Sum256([]byte(requestID + "\x00" + offerID))
	return hex.EncodeToString(sum[:])
}
