// Package util provides utility functions for the Virasat fulfillment engine.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
// Uses math/rand/v2 for optimal performance with modern best practices.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2 with optimal entropy utilization for non-cryptographic purposes.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length) // Pre-allocate capacity for efficiency

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateTrialID generates a unique trial ID with "t_" prefix.
func GenerateTrialID() string {
	return GenerateRandomID("t_", 32)
}

// GenerateVoiceNoteID generates a unique voice note ID with "vn_" prefix.
func GenerateVoiceNoteID() string {
	return GenerateRandomID("vn_", 32)
}

// GenerateMerchantOrderID generates a merchant order ID for the payment
// provider. Merchant order ids are externally visible, so a UUID is used
// instead of the short prefixed hex ids.
func GenerateMerchantOrderID() string {
	return "VIR" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}
