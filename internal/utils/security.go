package utils

import "crypto/subtle"

// ConstantTimeEqual compares two strings in constant time, used for bearer
// token checks so key length and content never leak through timing.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Still run a constant-time compare against a same-length dummy so
		// the early return doesn't itself leak exact non-equality timing
		// relative to correct-length guesses.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
