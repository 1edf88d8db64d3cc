package snapshot

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Output is the pair of files a snapshot produces
type Output struct {
	PNGPath    string `json:"png"`
	Base64Path string `json:"base64"`
}

// WriteOutput validates data as a PNG and writes it plus its base64 text
// into dir as hdmi-snapshot-<timestamp>.png and .base64.
func WriteOutput(dir string, data []byte, at time.Time) (*Output, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("captured frame is not a valid PNG: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	base := filepath.Join(dir, "hdmi-snapshot-"+at.Format("20060102-150405.000"))
	out := &Output{PNGPath: base + ".png", Base64Path: base + ".base64"}

	if err := os.WriteFile(out.PNGPath, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", out.PNGPath, err)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	if err := os.WriteFile(out.Base64Path, []byte(encoded), 0644); err != nil {
		os.Remove(out.PNGPath)
		return nil, fmt.Errorf("failed to write %s: %w", out.Base64Path, err)
	}
	return out, nil
}

// Print writes the three-line result contract
func (o *Output) Print(w io.Writer) error {
	_, err := fmt.Fprintf(w, "OK\nFILENAME=%s\nBASE64_FILE=%s\n", o.PNGPath, o.Base64Path)
	return err
}
