package notccid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRGB(t *testing.T) {
	tests := []struct {
		in       string
		expected RGB
	}{
		{"#ff0000", Red},
		{"00ff00", Green},
		{"#0000FF", Blue},
		{"123456", RGB{0x12, 0x34, 0x56}},
		{"#000000", RGB{}},
		{"purple", Purple},
		{"Cyan", Cyan},
	}
	for _, tc := range tests {
		c, err := ParseRGB(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.expected, c, tc.in)
	}

	for _, in := range []string{"", "#", "#1000000", "zzzzzz", "#-1"} {
		_, err := ParseRGB(in)
		assert.ErrorIs(t, err, ErrInvalidColor, in)
	}
}

func TestRGBFromInt(t *testing.T) {
	c, err := RGBFromInt(0xFF8000)
	require.NoError(t, err)
	assert.Equal(t, RGB{0xFF, 0x80, 0x00}, c)
	assert.Equal(t, "#ff8000", c.String())

	_, err = RGBFromInt(-1)
	assert.ErrorIs(t, err, ErrInvalidColor)
	_, err = RGBFromInt(0x1000000)
	assert.ErrorIs(t, err, ErrInvalidColor)
}

func TestRGBFromComponents(t *testing.T) {
	c, err := RGBFromComponents(1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, RGB{1, 2, 3}, c)

	_, err = RGBFromComponents(256, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidColor)
	_, err = RGBFromComponents(0, -1, 0)
	assert.ErrorIs(t, err, ErrInvalidColor)
}
