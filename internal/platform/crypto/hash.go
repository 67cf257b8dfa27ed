package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash computes the SHA-256 digest of data. The audit ledger uses this
// single primitive both for entry content hashes and for Merkle leaves,
// so recompute-and-compare verification stays meaningful.
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// HashHex returns the hex-encoded SHA-256 digest of data.
func HashHex(data []byte) string {
	return hex.EncodeToString(Hash(data))
}
