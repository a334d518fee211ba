package slug

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerate(t *testing.T) {
	tests := []struct {
		name   string
		title  string
		suffix string
		want   string
	}{
		{"simple", "Cat", "a1b2c3d4", "cat-a1b2c3d4"},
		{"spaces and punctuation", "  My Holiday: Day #1!  ", "ff00", "my-holiday-day-1-ff00"},
		{"file name", "cat.png", "x1", "cat-png-x1"},
		{"non latin falls back", "猫", "abc", "job-abc"},
		{"empty suffix", "Cat", "", "cat"},
		{"suffix is normalized", "Cat", "AB-CD", "cat-abcd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Generate(tt.title, tt.suffix))
		})
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	assert.Equal(t, Generate("Sunset over the bay", "1234"), Generate("Sunset over the bay", "1234"))
}

func TestGenerateTruncatesLongTitles(t *testing.T) {
	got := Generate(strings.Repeat("word ", 40), "s1")

	assert.LessOrEqual(t, len(got), maxBaseLen+len("-s1"))
	assert.True(t, strings.HasSuffix(got, "-s1"))
	assert.NotContains(t, got, "--")
}

func TestNewSuffix(t *testing.T) {
	a, b := NewSuffix(), NewSuffix()

	assert.Len(t, a, suffixLen)
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^[0-9a-f]+$`, a)
}
