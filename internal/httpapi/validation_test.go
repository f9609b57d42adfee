package httpapi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSlug(t *testing.T) {
	cases := []struct {
		name    string
		slug    string
		wantErr bool
	}{
		{"simple", "my-agent", false},
		{"digits", "agent-2", false},
		{"single char", "a", false},
		{"max length", strings.Repeat("a", 100), false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
		{"uppercase", "My-Agent", true},
		{"spaces", "my agent", true},
		{"underscore", "my_agent", true},
		{"unicode", "agént", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateSlug(tc.slug)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, validateName("My Agent"))
	assert.NoError(t, validateName(strings.Repeat("x", 100)))
	// Multibyte names count runes, not bytes.
	assert.NoError(t, validateName(strings.Repeat("é", 100)))
	assert.Error(t, validateName(""))
	assert.Error(t, validateName(strings.Repeat("x", 101)))
}

func TestSearchPatternEscapesLikeMetacharacters(t *testing.T) {
	assert.Equal(t, "%hello%", searchPattern("hello"))
	assert.Equal(t, `%100\%%`, searchPattern("100%"))
	assert.Equal(t, `%a\_b%`, searchPattern("a_b"))
	assert.Equal(t, `%a\\b%`, searchPattern(`a\b`))
}

func TestParseLimit(t *testing.T) {
	n, err := parseLimit("")
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	n, err = parseLimit("1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = parseLimit("100")
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	for _, raw := range []string{"0", "101", "-5", "abc", "12abc", "1.5"} {
		_, err := parseLimit(raw)
		assert.Error(t, err, "limit %q should be rejected", raw)
	}
}
