package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/logger"
)

const audioVerifyTimeout = 3 * time.Second

var (
	busTailPattern = regexp.MustCompile(`\d+-[\d.]+`)
	cardDirPattern = regexp.MustCompile(`^card(\d+)$`)
)

// AudioCard is an ALSA card with the USB path of its parent device
type AudioCard struct {
	Index      int
	BusPath    string
	HasCapture bool
}

// BusPathResolver maps video nodes and sound cards to physical bus paths
type BusPathResolver interface {
	VideoBusPath(videoPath string) (string, error)
	AudioCards() ([]AudioCard, error)
}

// SysfsResolver resolves bus paths through sysfs and /proc/asound. The
// roots are configurable so tests can build a fake tree.
type SysfsResolver struct {
	SysRoot  string
	ProcRoot string
}

// NewSysfsResolver creates a resolver over the live system
func NewSysfsResolver() *SysfsResolver {
	return &SysfsResolver{SysRoot: "/sys", ProcRoot: "/proc"}
}

// VideoBusPath returns the resolved device path behind a video node
func (r *SysfsResolver) VideoBusPath(videoPath string) (string, error) {
	link := filepath.Join(r.SysRoot, "class", "video4linux", filepath.Base(videoPath), "device")
	resolved, err := filepath.EvalSymlinks(link)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", link, err)
	}
	return resolved, nil
}

// AudioCards lists sound cards ordered by index
func (r *SysfsResolver) AudioCards() ([]AudioCard, error) {
	entries, err := os.ReadDir(filepath.Join(r.SysRoot, "class", "sound"))
	if err != nil {
		return nil, fmt.Errorf("list sound cards: %w", err)
	}

	var cards []AudioCard
	for _, entry := range entries {
		m := cardDirPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		index, _ := strconv.Atoi(m[1])

		resolved, err := filepath.EvalSymlinks(filepath.Join(r.SysRoot, "class", "sound", entry.Name(), "device"))
		if err != nil {
			continue
		}

		captures, _ := filepath.Glob(filepath.Join(r.ProcRoot, "asound", entry.Name(), "pcm*c"))
		cards = append(cards, AudioCard{
			Index:      index,
			BusPath:    resolved,
			HasCapture: len(captures) > 0,
		})
	}

	sort.Slice(cards, func(i, j int) bool { return cards[i].Index < cards[j].Index })
	return cards, nil
}

// BusTail extracts the USB port path (e.g. "1-8.3.3") from a resolved
// sysfs device path: the last component of the form BUS-PORT[.PORT...].
func BusTail(path string) string {
	matches := busTailPattern.FindAllString(path, -1)
	if len(matches) == 0 {
		return ""
	}
	return strings.TrimSuffix(matches[len(matches)-1], ".")
}

// AudioMatch is the result of audio correlation. A miss is a value with
// Found unset, never an error.
type AudioMatch struct {
	Found   bool   `json:"found"`
	Card    int    `json:"card"`
	BusTail string `json:"bus_tail,omitempty"`
	Forced  bool   `json:"forced,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Device returns the ALSA device name for the matched card
func (m AudioMatch) Device() string {
	return fmt.Sprintf("plughw:%d,0", m.Card)
}

// Correlator pairs a video node with the capture card on the same port
type Correlator struct {
	resolver  BusPathResolver
	forceCard string
	run       CommandRunner
	logger    *logger.Logger
}

// NewCorrelator creates a correlator. forceCard, when set, bypasses
// matching and selects that card index.
func NewCorrelator(resolver BusPathResolver, forceCard string, log *logger.Logger) *Correlator {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Correlator{resolver: resolver, forceCard: forceCard, run: ExecRunner, logger: log}
}

// SetRunner replaces the command runner used by Verify
func (c *Correlator) SetRunner(run CommandRunner) {
	c.run = run
}

// Correlate finds the capture card sharing the candidate's USB port. The
// comparison is an exact match of the port paths.
func (c *Correlator) Correlate(ctx context.Context, candidate CandidateDevice) AudioMatch {
	if c.forceCard != "" {
		index, err := strconv.Atoi(strings.TrimSpace(c.forceCard))
		if err != nil {
			return AudioMatch{Reason: fmt.Sprintf("invalid forced card %q", c.forceCard)}
		}
		c.logger.Info("Using forced audio card", "card", index)
		return AudioMatch{Found: true, Card: index, Forced: true}
	}

	if err := ctx.Err(); err != nil {
		return AudioMatch{Reason: err.Error()}
	}

	videoPath, err := c.resolver.VideoBusPath(candidate.Path)
	if err != nil {
		return AudioMatch{Reason: err.Error()}
	}
	tail := BusTail(videoPath)
	if tail == "" {
		return AudioMatch{Reason: "video node is not on a USB port"}
	}

	cards, err := c.resolver.AudioCards()
	if err != nil {
		return AudioMatch{BusTail: tail, Reason: err.Error()}
	}

	for _, card := range cards {
		if !card.HasCapture {
			continue
		}
		if BusTail(card.BusPath) == tail {
			c.logger.Info("Matched audio card", "card", card.Index, "bus", tail)
			return AudioMatch{Found: true, Card: card.Index, BusTail: tail}
		}
	}

	return AudioMatch{BusTail: tail, Reason: "no capture card on port " + tail}
}

// Verify records one second of audio from the matched card and clears the
// match when the card cannot deliver it.
func (c *Correlator) Verify(ctx context.Context, m AudioMatch) AudioMatch {
	if !m.Found {
		return m
	}

	ctx, cancel := context.WithTimeout(ctx, audioVerifyTimeout)
	defer cancel()

	_, stderr, err := c.run(ctx, "arecord", "-D", m.Device(), "-f", "cd", "-d", "1", "/dev/null")
	if err != nil {
		c.logger.Warn("Audio card failed verification", "card", m.Card, "error", err)
		return AudioMatch{
			BusTail: m.BusTail,
			Reason:  fmt.Sprintf("%s not recordable: %v %s", m.Device(), err, strings.TrimSpace(string(stderr))),
		}
	}
	return m
}
