package intake

import (
	"crypto/sha1"
	"encoding/hex"
)

// DedupKey computes the 40-hex admission fingerprint. It is the sole
// identity for cache lookups and in-flight coalescing, so the exact
// concatenation order is part of the persistence contract.
func DedupKey(nup, scope, mode, schemaVersion string) string {
	h := sha1.Sum([]byte(nup + "|" + scope + "|" + mode + "|" + schemaVersion))
	return hex.EncodeToString(h[:])
}
