// Package hashing provides the deterministic bucketing primitive used for
// percentage rollouts and variant assignment. The algorithm must stay
// byte-for-byte compatible with the ingestion service and the other SDKs:
// changing it would reshuffle every user's bucket.
package hashing

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
)

// longScale is 2^60 - 1, the divisor that maps the leading 60 bits of the
// SHA-1 digest onto [0, 1).
const longScale = float64(0xFFFFFFFFFFFFFFF)

// Hash buckets (key, distinctID, salt) into [0, 1).
//
// The input is "<key>.<distinctID><salt>"; the first 15 hex characters of its
// SHA-1 digest are parsed as an unsigned integer and scaled by 2^60 - 1.
func Hash(key, distinctID, salt string) float64 {
	sum := sha1.Sum([]byte(key + "." + distinctID + salt))
	hexDigest := hex.EncodeToString(sum[:])

	val, err := strconv.ParseUint(hexDigest[:15], 16, 64)
	if err != nil {
		// 15 hex characters always fit in 60 bits.
		return 0
	}

	return float64(val) / longScale
}

// InRollout reports whether the hash for (key, distinctID) falls inside a
// rollout percentage in [0, 100].
func InRollout(key, distinctID string, percentage float64) bool {
	return Hash(key, distinctID, "") <= percentage/100
}
