// Package util provides the shared ambient helpers: logging, debug mode,
// filename sanitizing and the pooled HTTP client.
package util

import (
	"strings"
)

// IsDebug gates verbose logging across the program.
var IsDebug bool

// SetDebugMode sets the debug mode
func SetDebugMode(debug bool) {
	IsDebug = debug
}

// forbidden characters on at least one supported filesystem, replaced with
// underscores when building directory and file names from display titles.
var forbiddenNameChars = []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}

// SanitizeFilename turns a display title into a name safe to use as a file or
// directory component. Control characters are dropped, reserved punctuation
// becomes underscores and surrounding whitespace/dots are trimmed.
func SanitizeFilename(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)

	for _, c := range forbiddenNameChars {
		cleaned = strings.ReplaceAll(cleaned, c, "_")
	}

	cleaned = strings.Trim(cleaned, " .")
	if cleaned == "" {
		return "unnamed"
	}
	return cleaned
}

// NormalizeHost trims trailing slashes and defaults the scheme to https so
// settings like "animepahe.ru/" and "https://animepahe.ru" behave the same.
func NormalizeHost(host string) string {
	h := strings.TrimSpace(host)
	h = strings.TrimRight(h, "/")
	if h == "" {
		return h
	}
	if !strings.HasPrefix(h, "http://") && !strings.HasPrefix(h, "https://") {
		h = "https://" + h
	}
	return h
}
