package schema

import "strings"

// ValidateSessionName ensures a session name is non-empty, trimmed and free
// of path separators and control characters.
func ValidateSessionName(name SessionName) error {
	raw := string(name)
	if raw == "" || strings.TrimSpace(raw) != raw {
		return ErrInvalidSession
	}
	for _, r := range raw {
		if r < 0x20 || r == 0x7f || r == '/' || r == '\\' {
			return ErrInvalidSession
		}
	}
	return nil
}
