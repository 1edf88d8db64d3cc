package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CapabilityQuerier is the structured view of the capture hardware. All
// parsing of tool output stays behind this interface.
type CapabilityQuerier interface {
	// ListNodes returns the physical devices and their video nodes
	ListNodes(ctx context.Context) ([]NodeGroup, error)
	// Query returns the capability record of one node. A missing or
	// unopenable node is reported through Exists/Accessible, not an error.
	Query(ctx context.Context, path string) (Capabilities, error)
	// ProbeStream tries to capture one frame to tell busy and stalled
	// nodes apart from ready ones.
	ProbeStream(ctx context.Context, path string) (StreamProbe, error)
}

// Resetter forces a node back into a known streaming format
type Resetter interface {
	Reset(ctx context.Context, path string) error
}

const (
	defaultV4L2Timeout = 5 * time.Second
	streamProbeTimeout = 2 * time.Second
	resetSettle        = 200 * time.Millisecond
)

var (
	videoNodePattern  = regexp.MustCompile(`/dev/video\d+`)
	widthHeightLine   = regexp.MustCompile(`Width/Height\s*:\s*(\d+)\s*/\s*(\d+)`)
	discreteSizeLine  = regexp.MustCompile(`Size:\s*\w+\s+(\d+)x(\d+)`)
	formatFourCCLine  = regexp.MustCompile(`\[\d+\]:\s*'(\w+)'`)
	videoNumberSuffix = regexp.MustCompile(`video(\d+)$`)
)

// V4L2Querier implements CapabilityQuerier and Resetter on top of v4l2-ctl
type V4L2Querier struct {
	Binary  string
	DevDir  string
	Timeout time.Duration
	Run     CommandRunner
}

// NewV4L2Querier creates a querier bounded by timeout per tool invocation
func NewV4L2Querier(timeout time.Duration) *V4L2Querier {
	if timeout <= 0 {
		timeout = defaultV4L2Timeout
	}
	return &V4L2Querier{
		Binary:  "v4l2-ctl",
		DevDir:  "/dev",
		Timeout: timeout,
		Run:     ExecRunner,
	}
}

func (q *V4L2Querier) run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stdout, stderr, err := q.Run(ctx, q.Binary, args...)
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%s %s: %w", q.Binary, strings.Join(args, " "), ctx.Err())
	}
	return stdout, stderr, err
}

// ListNodes parses `v4l2-ctl --list-devices`. When the listing is not
// available it falls back to the /dev/video* character devices, named by
// their card type.
func (q *V4L2Querier) ListNodes(ctx context.Context) ([]NodeGroup, error) {
	stdout, _, err := q.run(ctx, q.Timeout, "--list-devices")
	if err == nil {
		if groups := parseListDevices(string(stdout)); len(groups) > 0 {
			return groups, nil
		}
	}

	nodes, globErr := q.findVideoNodes()
	if globErr != nil {
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		return nil, globErr
	}

	groups := make([]NodeGroup, 0, len(nodes))
	for _, node := range nodes {
		name := node
		if out, _, infoErr := q.run(ctx, q.Timeout, "--device", node, "--info"); infoErr == nil {
			var caps Capabilities
			parseInfo(string(out), &caps)
			if caps.Card != "" {
				name = caps.Card
			}
		}
		groups = append(groups, NodeGroup{Name: name, Nodes: []string{node}})
	}
	return groups, nil
}

// findVideoNodes returns the /dev/video* character devices in node order
func (q *V4L2Querier) findVideoNodes() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(q.DevDir, "video*"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob video devices: %w", err)
	}

	var nodes []string
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeCharDevice != 0 {
			nodes = append(nodes, match)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodeNumber(nodes[i]) < nodeNumber(nodes[j])
	})
	return nodes, nil
}

// Query combines `--all` and `--list-formats-ext` into a Capabilities record
func (q *V4L2Querier) Query(ctx context.Context, path string) (Capabilities, error) {
	caps := Capabilities{Path: path}

	if _, err := os.Stat(path); err != nil {
		return caps, nil
	}
	caps.Exists = true

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return caps, nil
	}
	_ = f.Close()
	caps.Accessible = true

	stdout, stderr, err := q.run(ctx, q.Timeout, "-d", path, "--all")
	if err != nil {
		return caps, fmt.Errorf("%w: query %s: %v (%s)", ErrTransientProbe, path, err, strings.TrimSpace(string(stderr)))
	}
	parseInfo(string(stdout), &caps)
	parseAll(string(stdout), &caps)

	if formats, _, err := q.run(ctx, q.Timeout, "-d", path, "--list-formats-ext"); err == nil {
		parseFormats(string(formats), &caps)
	}

	return caps, nil
}

// ProbeStream runs a one-frame mmap capture to /dev/null
func (q *V4L2Querier) ProbeStream(ctx context.Context, path string) (StreamProbe, error) {
	_, stderr, err := q.run(ctx, streamProbeTimeout,
		"-d", path, "--stream-mmap", "--stream-count=1", "--stream-to=/dev/null")
	probe := classifyStreamOutput(string(stderr), err)
	if ctx.Err() != nil {
		return probe, ctx.Err()
	}
	return probe, nil
}

// Reset forces MJPG 640x480 on the node and lets it settle, which clears
// the bad streaming state a killed capture can leave behind.
func (q *V4L2Querier) Reset(ctx context.Context, path string) error {
	_, stderr, err := q.run(ctx, streamProbeTimeout,
		"-d", path, "--set-fmt-video=pixelformat=MJPG,width=640,height=480")
	if err != nil {
		return fmt.Errorf("reset %s: %w (%s)", path, err, strings.TrimSpace(string(stderr)))
	}

	timer := time.NewTimer(resetSettle)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parseListDevices parses blocks of the form
//
//	USB Video: USB Video (usb-0000:00:14.0-8.3.3):
//		/dev/video0
//		/dev/video1
func parseListDevices(out string) []NodeGroup {
	var groups []NodeGroup
	var current *NodeGroup

	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			current = nil
			continue
		}
		if !strings.HasPrefix(line, "\t") && !strings.HasPrefix(line, " ") {
			groups = append(groups, NodeGroup{Name: strings.TrimSuffix(strings.TrimSpace(line), ":")})
			current = &groups[len(groups)-1]
			continue
		}
		if current == nil {
			continue
		}
		if node := videoNodePattern.FindString(line); node != "" {
			current.Nodes = append(current.Nodes, node)
		}
	}

	filtered := groups[:0]
	for _, g := range groups {
		if len(g.Nodes) > 0 {
			filtered = append(filtered, g)
		}
	}
	return filtered
}

func parseInfo(out string, caps *Capabilities) {
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "Card type":
			if caps.Card == "" {
				caps.Card = value
			}
		case "Driver name":
			if caps.Driver == "" {
				caps.Driver = value
			}
		case "Bus info":
			if caps.BusInfo == "" {
				caps.BusInfo = value
			}
		}
	}
}

// parseAll picks the capture flag and current resolution out of `--all`.
// Only the "Device Caps" section counts for the capture flag when present,
// since "Capabilities" lists what the whole driver supports.
func parseAll(out string, caps *Capabilities) {
	section := out
	if idx := strings.Index(out, "Device Caps"); idx >= 0 {
		section = out[idx:]
	}
	caps.CaptureCapable = strings.Contains(section, "Video Capture")

	for _, m := range widthHeightLine.FindAllStringSubmatch(out, -1) {
		addResolution(caps, m[1], m[2])
	}
}

func parseFormats(out string, caps *Capabilities) {
	for _, m := range formatFourCCLine.FindAllStringSubmatch(out, -1) {
		if !caps.HasFormat(m[1]) {
			caps.Formats = append(caps.Formats, m[1])
		}
	}
	for _, m := range discreteSizeLine.FindAllStringSubmatch(out, -1) {
		addResolution(caps, m[1], m[2])
	}
}

func addResolution(caps *Capabilities, w, h string) {
	width, errW := strconv.Atoi(w)
	height, errH := strconv.Atoi(h)
	if errW != nil || errH != nil || width == 0 || height == 0 {
		return
	}
	r := Resolution{Width: width, Height: height}
	if !caps.Supports(r) {
		caps.Resolutions = append(caps.Resolutions, r)
	}
}

func classifyStreamOutput(stderr string, err error) StreamProbe {
	lower := strings.ToLower(stderr)
	probe := StreamProbe{Detail: strings.TrimSpace(stderr)}

	switch {
	case strings.Contains(lower, "device or resource busy") || strings.Contains(lower, "ebusy"):
		probe.Busy = true
	case strings.Contains(lower, "streamon") && strings.Contains(lower, "error"):
		probe.Stalled = true
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		probe.Stalled = true
		if probe.Detail == "" {
			probe.Detail = "no frame before probe timeout"
		}
	}
	return probe
}

func nodeNumber(path string) int {
	m := videoNumberSuffix.FindStringSubmatch(path)
	if len(m) < 2 {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
