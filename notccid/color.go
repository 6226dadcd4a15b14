package notccid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidColor = errors.New("invalid RGB color")

// RGB is the color of the bridge indicator.
type RGB [3]byte

var (
	Red    = RGB{0xFF, 0x00, 0x00}
	Green  = RGB{0x00, 0xFF, 0x00}
	Blue   = RGB{0x00, 0x00, 0xFF}
	Purple = RGB{0xFF, 0x00, 0xFF}
	Yellow = RGB{0xFF, 0xFF, 0x00}
	Cyan   = RGB{0x00, 0xFF, 0xFF}
	White  = RGB{0xFF, 0xFF, 0xFF}
)

var namedColors = map[string]RGB{
	"red":    Red,
	"green":  Green,
	"blue":   Blue,
	"purple": Purple,
	"yellow": Yellow,
	"cyan":   Cyan,
	"white":  White,
}

// RGBFromInt unpacks 0xRRGGBB.
func RGBFromInt(v int) (RGB, error) {
	if v < 0 || v > 0xFFFFFF {
		return RGB{}, fmt.Errorf("%w: %d is outside 0x000000-0xffffff", ErrInvalidColor, v)
	}
	return RGB{byte(v >> 16), byte(v >> 8), byte(v)}, nil
}

func RGBFromComponents(r, g, b int) (RGB, error) {
	for _, c := range []int{r, g, b} {
		if c < 0 || c > 0xFF {
			return RGB{}, fmt.Errorf("%w: component %d is outside 0-255", ErrInvalidColor, c)
		}
	}
	return RGB{byte(r), byte(g), byte(b)}, nil
}

// ParseRGB accepts a color name or a hex value with an optional '#' prefix.
func ParseRGB(s string) (RGB, error) {
	if c, ok := namedColors[strings.ToLower(s)]; ok {
		return c, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 16, 32)
	if err != nil {
		return RGB{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	return RGBFromInt(int(v))
}

func (c RGB) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2])
}
