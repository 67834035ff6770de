package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Limits applied when a caller does not configure its own.
const (
	DefaultMaxContentLength = 5000
	DefaultMaxTitleLength   = 100
	derivedTitleLength      = 50
)

// Regex compiled once at package initialization
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID reports whether id is a usable user identifier: 1-128
// characters, alphanumeric plus underscore and hyphen.
func IsValidUserID(id string) bool {
	return len(id) >= 1 && len(id) <= 128 && idRegex.MatchString(id)
}

// IsValidRole reports whether role is one of the supported message roles.
func IsValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}

// ValidateContent checks message content: non-empty after trimming and at
// most maxLen characters.
func ValidateContent(content string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxContentLength
	}
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > maxLen {
		return ErrContentTooLong
	}
	return nil
}

// ValidateTitle checks a conversation title: 1 to maxLen characters.
func ValidateTitle(title string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxTitleLength
	}
	if strings.TrimSpace(title) == "" {
		return ErrEmptyTitle
	}
	if utf8.RuneCountInString(title) > maxLen {
		return ErrTitleTooLong
	}
	return nil
}

// Validate checks the role/model/token invariants of a message about to be
// appended. Content is validated separately because its limit is configurable.
func (m *NewMessage) Validate() error {
	if !IsValidRole(m.Role) {
		return ErrInvalidRole
	}
	if m.Role == RoleAssistant && strings.TrimSpace(m.Model) == "" {
		return ErrModelRequired
	}
	if m.Role == RoleUser && m.Model != "" {
		return ErrModelNotAllowed
	}
	if m.TokenCount < 0 {
		return ErrNegativeTokenCount
	}
	return nil
}

// DeriveTitle builds a conversation title from the first user message: the
// first non-blank line with whitespace collapsed, cut to 50 characters.
func DeriveTitle(content string) string {
	line := ""
	for _, l := range strings.Split(content, "\n") {
		if strings.TrimSpace(l) != "" {
			line = l
			break
		}
	}
	line = strings.Join(strings.Fields(line), " ")
	if line == "" {
		return DefaultConversationTitle
	}
	if utf8.RuneCountInString(line) <= derivedTitleLength {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:derivedTitleLength-3])) + "..."
}
