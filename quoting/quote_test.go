package quoting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatVerbatim(t *testing.T) {
	assert.Equal(t, "echo hi", Format([]string{"echo", "hi"}))
}

func TestFormatQuotesSpecialChars(t *testing.T) {
	assert.Equal(t, `echo "hi && rm -rf /"`, Format([]string{"echo", "hi && rm -rf /"}))
	assert.Equal(t, `"$(whoami)"`, Format([]string{"$(whoami)"}))
	assert.Equal(t, `""`, Format([]string{""}))
}

func TestFormatEscapesQuotesAndBackslashes(t *testing.T) {
	assert.Equal(t, `"say \"hi\""`, Format([]string{`say "hi"`}))
	assert.Equal(t, `"a\\b"`, Format([]string{`a\b`}))
}

func TestFormatEmpty(t *testing.T) {
	assert.Equal(t, "", Format(nil))
	assert.Equal(t, "", Format([]string{}))
}

func TestRoundTrip(t *testing.T) {
	cases := [][]string{
		{"echo", "hi"},
		{"/bin/sh", "-lc", "echo hi"},
		{"cmd.exe", "/c", "echo", "SAFE&&whoami"},
		{"git", "commit", "-m", `fix: handle "quoted" \ paths`},
		{"ls", ""},
		{"a b", "c\td", "e$f", "g`h"},
	}
	for _, argv := range cases {
		got := Parse(Format(argv))
		assert.Equal(t, argv, got)
	}
}

func TestParseEmptyString(t *testing.T) {
	require.Nil(t, Parse(""))
}
