package sanitize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxDisplayNameLength caps a caller name shown on an incoming call
const MaxDisplayNameLength = 64

var (
	scriptRegex = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRegex  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	htmlRegex   = regexp.MustCompile(`<[^>]*>`)
)

// DisplayName cleans a profile name before it is rendered in a notification.
// The result may be empty.
func DisplayName(name string) string {
	name = SanitizeHTML(name)
	name = StripControlCharacters(name)
	name = strings.Join(strings.Fields(name), " ")

	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		runes := []rune(name)
		name = strings.TrimSpace(string(runes[:MaxDisplayNameLength]))
	}
	return name
}

// SanitizeHTML removes all HTML tags
func SanitizeHTML(input string) string {
	input = scriptRegex.ReplaceAllString(input, "")
	input = styleRegex.ReplaceAllString(input, "")
	return htmlRegex.ReplaceAllString(input, "")
}

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}
