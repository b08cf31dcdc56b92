package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	PhoneLength = 10
	OTPLength   = 6
	OTPTTL      = 5 * time.Minute
)

// ErrNotFound is returned by stores when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// User is keyed by a 10-digit phone number. A user may chat only while
// Verified is true.
type User struct {
	Phone     string
	Verified  bool
	CreatedAt time.Time
}

// OneTimeCode is an issued verification code. Only the newest code for a user
// is authoritative. CodeHash holds a bcrypt hash, never the raw code.
type OneTimeCode struct {
	Phone     string
	CodeHash  string
	CreatedAt time.Time
}

// Expired reports whether the code's TTL has elapsed at now.
func (c OneTimeCode) Expired(now time.Time) bool {
	return now.After(c.CreatedAt.Add(OTPTTL))
}

// IsDigits reports whether s is non-empty and consists only of ASCII digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// IsPhone reports whether s is a valid phone number.
func IsPhone(s string) bool {
	return len(s) == PhoneLength && IsDigits(s)
}

// MaskPhone hides all but the last four digits for logging.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
