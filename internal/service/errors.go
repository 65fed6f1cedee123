package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPrompt rejects prompts shorter than three characters after
	// trimming.
	ErrInvalidPrompt = errors.New("prompt must be at least 3 characters")

	// ErrSessionNotFound means a webhook referenced a checkout session this
	// backend never created.
	ErrSessionNotFound = errors.New("payment session not found")

	// ErrPackageNotFound means a checkout referenced a missing or inactive
	// credit package.
	ErrPackageNotFound = errors.New("credit package not found")
)

// InsufficientCreditsError carries the amounts so the user sees exactly what
// was missing. No side effects occur when it is returned.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Available)
}
