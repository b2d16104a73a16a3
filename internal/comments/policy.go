package comments

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Policy decides whether a body may be committed.
type Policy interface {
	Accept(body string) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(string) bool

func (f PolicyFunc) Accept(body string) bool {
	return f(body)
}

// NonBlank rejects empty and whitespace-only bodies, invalid UTF-8 and NUL
// bytes. MaxRunes of 0 means no length limit.
type NonBlank struct {
	MaxRunes int
}

func (p NonBlank) Accept(body string) bool {
	// Saved bodies must survive JSON and Postgres TEXT unchanged.
	if !utf8.ValidString(body) || strings.ContainsRune(body, 0) {
		return false
	}
	if strings.IndexFunc(body, func(r rune) bool { return !unicode.IsSpace(r) }) < 0 {
		return false
	}
	if p.MaxRunes > 0 && utf8.RuneCountInString(body) > p.MaxRunes {
		return false
	}
	return true
}
