package core

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// stripANSI removes terminal escape sequences from kernel output.
func stripANSI(text string) string {
	if !strings.ContainsRune(text, '\x1b') {
		return text
	}
	return ansi.Strip(text)
}
