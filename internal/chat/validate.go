package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"parley/server/internal/store"
)

// ValidateName trims whitespace from s and returns the trimmed string, or an
// ErrInvalid-wrapped error when the result is empty or exceeds maxLen.
func ValidateName(s string, maxLen int) (string, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return "", fmt.Errorf("%w: must not be empty", store.ErrInvalid)
	case len(s) > maxLen:
		return "", fmt.Errorf("%w: must not exceed %d characters", store.ErrInvalid, maxLen)
	}
	return s, nil
}

// ValidateSender trims and bounds a sender name.
func ValidateSender(s string) (string, error) {
	s, err := ValidateName(s, MaxSenderLength)
	if err != nil {
		return "", fmt.Errorf("sender %w", err)
	}
	return s, nil
}

// ValidateContent trims and bounds a message body.
func ValidateContent(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return "", fmt.Errorf("content %w: must not be empty", store.ErrInvalid)
	case len(s) > MaxContentLength:
		return "", fmt.Errorf("content %w: must not exceed %d characters", store.ErrInvalid, MaxContentLength)
	}
	return s, nil
}

// ValidateMetadata checks that metadata, when present, is a JSON object
// within the size bound.
func ValidateMetadata(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	if len(raw) > MaxMetadataBytes {
		return fmt.Errorf("metadata %w: exceeds %d bytes", store.ErrInvalid, MaxMetadataBytes)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("metadata %w: must be a JSON object", store.ErrInvalid)
	}
	return nil
}
