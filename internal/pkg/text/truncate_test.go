package text

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab...", Truncate("abcdef", 2))
	assert.Equal(t, "多空...", Truncate("多空观望", 2))
	assert.Equal(t, "abc", Truncate("abc", 0))
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "hold: range bound", OneLine("hold:\n  range\tbound ", 100))
	assert.Equal(t, "a b...", OneLine("a\nb\nc", 3))
}
