package contact

import (
	"errors"
	"strings"
	"unicode"
)

// NumberLength is the number of digits in a canonical contact number.
const NumberLength = 10

// DefaultName is the display label used when a contact is added without a name.
const DefaultName = "Unknown"

var (
	// ErrInvalidFormat is returned when a number has fewer than NumberLength digits.
	ErrInvalidFormat = errors.New("invalid phone number format")

	// ErrDuplicateContact is returned when the canonical number is already stored.
	ErrDuplicateContact = errors.New("contact already exists")

	// ErrCorruptEntry marks a stored entry that could not be parsed. It is never
	// surfaced to callers; such entries are dropped on load.
	ErrCorruptEntry = errors.New("corrupt contact entry")
)

// Record is a single trusted contact. Records are never mutated in place.
type Record struct {
	// Name is the display label for the contact
	Name string `json:"name"`

	// Number is the canonical 10 digit number and the identity of the record
	Number string `json:"number"`
}

// Normalize strips every non-digit character from raw and keeps the last
// NumberLength digits. It returns ErrInvalidFormat if fewer digits remain.
func Normalize(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}

	cleaned := digits.String()
	if len(cleaned) < NumberLength {
		return "", ErrInvalidFormat
	}

	return cleaned[len(cleaned)-NumberLength:], nil
}

// IsCanonical reports whether number is already in canonical form.
func IsCanonical(number string) bool {
	if len(number) != NumberLength {
		return false
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// displayName trims the name and falls back to DefaultName.
func displayName(name string) string {
	name = strings.TrimFunc(name, unicode.IsSpace)
	if name == "" {
		return DefaultName
	}
	return name
}
