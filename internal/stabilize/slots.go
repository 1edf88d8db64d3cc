package stabilize

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var slotName = regexp.MustCompile(`^frame_(\d+)\.([A-Za-z0-9]+)$`)

// Slot is one frame file in a slot directory
type Slot struct {
	Seq     int
	Path    string
	Size    int64
	ModTime time.Time
}

// Slots is a private directory holding one file per captured frame. A
// frame never overwrites another: each sequence number has its own file.
type Slots struct {
	dir string
	ext string
}

// NewSlots creates a fresh slot directory under parent (the system temp
// dir when empty).
func NewSlots(parent, ext string) (*Slots, error) {
	if ext == "" {
		ext = "png"
	}
	dir, err := os.MkdirTemp(parent, "hdmi-burst-")
	if err != nil {
		return nil, fmt.Errorf("failed to create slot directory: %w", err)
	}
	return &Slots{dir: dir, ext: strings.TrimPrefix(ext, ".")}, nil
}

// Dir is the slot directory
func (s *Slots) Dir() string {
	return s.dir
}

// Ext is the frame file extension without the dot
func (s *Slots) Ext() string {
	return s.ext
}

// Pattern is the printf pattern of slot files, for writers such as
// ffmpeg's image2 muxer that number frames themselves.
func (s *Slots) Pattern() string {
	return filepath.Join(s.dir, "frame_%06d."+s.ext)
}

// Path returns the file of frame seq
func (s *Slots) Path(seq int) string {
	return filepath.Join(s.dir, fmt.Sprintf("frame_%06d.%s", seq, s.ext))
}

// Write stores frame seq
func (s *Slots) Write(seq int, data []byte) error {
	if seq < 0 {
		return fmt.Errorf("invalid frame sequence %d", seq)
	}
	return os.WriteFile(s.Path(seq), data, 0600)
}

// List returns the stored frames ordered by sequence number
func (s *Slots) List() ([]Slot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var slots []Slot
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := slotName.FindStringSubmatch(e.Name())
		if m == nil || m[2] != s.ext {
			continue
		}
		seq, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		slots = append(slots, Slot{
			Seq:     seq,
			Path:    filepath.Join(s.dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].Seq < slots[j].Seq })
	return slots, nil
}

// Count is the number of stored frames
func (s *Slots) Count() int {
	slots, err := s.List()
	if err != nil {
		return 0
	}
	return len(slots)
}

// Remove deletes the slot directory and every frame in it
func (s *Slots) Remove() error {
	return os.RemoveAll(s.dir)
}
