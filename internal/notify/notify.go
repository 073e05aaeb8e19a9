// Package notify carries best-effort wake hints between processes that
// share a store. Workers must still poll as a fallback.
package notify

import "unicode"

// DefaultChannel is the channel used when none (or an invalid one) is configured.
const DefaultChannel = "durable_wakeup"

// NormalizeChannel returns ch if it is a plain identifier and DefaultChannel otherwise.
func NormalizeChannel(ch string) string {
	if ch == "" {
		return DefaultChannel
	}
	// LISTEN channel is an identifier; keep this conservative to avoid injection.
	for _, r := range ch {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return DefaultChannel
		}
	}
	return ch
}
