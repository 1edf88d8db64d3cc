// Package window keeps the local preview window where the user left it:
// it stores the window geometry between runs and follows changes while
// the preview is open.
package window

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var geometryPattern = regexp.MustCompile(`^(\d+)x(\d+)\+(-?\d+)\+(-?\d+)$`)

// Geometry is a window size and position
type Geometry struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	X      int `json:"x"`
	Y      int `json:"y"`
}

// Parse reads WIDTHxHEIGHT+X+Y
func Parse(s string) (Geometry, error) {
	m := geometryPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Geometry{}, fmt.Errorf("invalid window geometry %q", s)
	}
	var vals [4]int
	for i := range vals {
		v, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Geometry{}, fmt.Errorf("invalid window geometry %q: %w", s, err)
		}
		vals[i] = v
	}
	g := Geometry{Width: vals[0], Height: vals[1], X: vals[2], Y: vals[3]}
	if !g.Valid() {
		return Geometry{}, fmt.Errorf("invalid window geometry %q: empty size", s)
	}
	return g, nil
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", g.Width, g.Height, g.X, g.Y)
}

// Valid reports whether the geometry has a size
func (g Geometry) Valid() bool {
	return g.Width > 0 && g.Height > 0
}

// parseShell reads the output of "xdotool getwindowgeometry --shell"
func parseShell(output string) (Geometry, error) {
	var g Geometry
	seen := 0
	for _, line := range strings.Split(output, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			continue
		}
		switch key {
		case "X":
			g.X = n
		case "Y":
			g.Y = n
		case "WIDTH":
			g.Width = n
		case "HEIGHT":
			g.Height = n
		default:
			continue
		}
		seen++
	}
	if seen < 4 || !g.Valid() {
		return Geometry{}, fmt.Errorf("incomplete window geometry: %q", output)
	}
	return g, nil
}
