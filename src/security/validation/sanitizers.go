package validation

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxFileNameLength = 255

// StripUnprintable removes non-printable characters, allowing common whitespace
// like space, tab, newline, and carriage return.
func StripUnprintable(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) || r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		return -1
	}, s)
}

// SanitizeFileName reduces a client-supplied file name to a printable base
// name fit for logs and import reports.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, StripUnprintable(name))
	name = strings.TrimSpace(name)
	if name == "." || name == "/" {
		name = ""
	}
	if len(name) > maxFileNameLength {
		cut := maxFileNameLength
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	return name
}
