// internal/identity/identity.go

// Package identity decides when two book submissions describe the same title.
package identity

import "strings"

// DefaultFormat is assumed when a submission carries no format.
const DefaultFormat = "paperback"

// NormalizeValue trims and case-folds a free-text field.
func NormalizeValue(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// NormalizeFormat is NormalizeValue with the paperback default applied.
func NormalizeFormat(format string) string {
	if f := NormalizeValue(format); f != "" {
		return f
	}
	return DefaultFormat
}

// Key returns the identity key for (title, author, format). Two books are the
// same title iff their keys are equal.
func Key(title, author, format string) string {
	return NormalizeValue(title) + "|" + NormalizeValue(author) + "|" + NormalizeFormat(format)
}
