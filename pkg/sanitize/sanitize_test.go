package sanitize

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "Alice", "Alice"},
		{"trims and collapses whitespace", "  Alice \t  Smith \n", "Alice Smith"},
		{"strips tags", "<b>Bob</b>", "Bob"},
		{"drops scripts", "Eve<script>alert(1)</script>", "Eve"},
		{"control characters", "Mal\x00lory\x1b", "Mallory"},
		{"only markup", "<img src=x>", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayName(tt.input))
		})
	}
}

func TestDisplayName_Truncates(t *testing.T) {
	got := DisplayName(strings.Repeat("é", MaxDisplayNameLength+10))
	assert.Equal(t, MaxDisplayNameLength, utf8.RuneCountInString(got))
}
