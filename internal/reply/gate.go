// Package reply decides which chat input reaches the reply generator and
// cleans up what the generator sends back.
package reply

import (
	"strings"

	"chat-gateway/internal/domain"
)

var controlVocabulary = map[string]struct{}{
	"yes":         {},
	"no":          {},
	"edit number": {},
	"resend otp":  {},
	"retry":       {},
	"logout":      {},
}

// ShouldRouteToGenerator reports whether message is content for the generator
// rather than authentication or menu input.
func ShouldRouteToGenerator(message string) bool {
	m := strings.ToLower(strings.TrimSpace(message))
	if _, ok := controlVocabulary[m]; ok {
		return false
	}
	if domain.IsDigits(m) && (len(m) == domain.PhoneLength || len(m) == domain.OTPLength) {
		return false
	}
	return true
}
