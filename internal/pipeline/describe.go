package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// CaptureOptions selects the branches of the capture pipeline
type CaptureOptions struct {
	VideoDevice string
	// MJPEG selects the jpegdec path; otherwise frames are decoded by decodebin
	MJPEG        bool
	AudioDevice  string // ALSA device such as plughw:2,0; empty for video only
	AudioOnly    bool
	Bitrate      int // kbit/s
	KeyIntMax    int
	VideoRTPPort int
	AudioRTPPort int
}

// Audio format on the wire: 16 bit big endian PCM, which is what L16
// payloading carries.
const (
	AudioSampleRate = 48000
	AudioChannels   = 2
	VideoPayload    = 96
	AudioPayload    = 97
)

// CaptureDescription builds the single pipeline that opens the device and
// sends H.264 (and L16 audio) as RTP to the local ingest ports.
func CaptureDescription(opts CaptureOptions) (Description, error) {
	if opts.AudioOnly && opts.AudioDevice == "" {
		return Description{}, fmt.Errorf("audio-only capture requires an audio device")
	}
	if !opts.AudioOnly && opts.VideoDevice == "" {
		return Description{}, fmt.Errorf("capture requires a video device")
	}

	var branches []string
	if !opts.AudioOnly {
		branches = append(branches, videoBranch(opts))
	}
	if opts.AudioDevice != "" {
		branches = append(branches, audioBranch(opts))
	}

	return Description{
		Name:   "capture",
		Launch: strings.Join(branches, " "),
	}, nil
}

func videoBranch(opts CaptureOptions) string {
	bitrate := opts.Bitrate
	if bitrate <= 0 {
		bitrate = 3000
	}
	keyInt := opts.KeyIntMax
	if keyInt <= 0 {
		keyInt = 30
	}

	decode := "queue ! decodebin"
	if opts.MJPEG {
		decode = "image/jpeg ! jpegdec"
	}

	return fmt.Sprintf(
		"v4l2src device=%s ! %s ! videoconvert ! video/x-raw,format=I420 ! "+
			"x264enc tune=zerolatency key-int-max=%d bitrate=%d speed-preset=veryfast ! "+
			"h264parse ! rtph264pay pt=%d config-interval=-1 ! "+
			"udpsink host=127.0.0.1 port=%d sync=false",
		opts.VideoDevice, decode, keyInt, bitrate, VideoPayload, opts.VideoRTPPort,
	)
}

func audioBranch(opts CaptureOptions) string {
	return fmt.Sprintf(
		"alsasrc device=%s ! queue ! audioconvert ! audioresample ! "+
			"audio/x-raw,format=S16BE,rate=%d,channels=%d ! "+
			"rtpL16pay pt=%d ! udpsink host=127.0.0.1 port=%d sync=false",
		opts.AudioDevice, AudioSampleRate, AudioChannels, AudioPayload, opts.AudioRTPPort,
	)
}

// PreviewDescription builds the local display client of the RTSP endpoint.
// The preview is just another consumer of the shared session.
func PreviewDescription(url string, latency time.Duration) Description {
	return Description{
		Name: "preview",
		Launch: fmt.Sprintf(
			"rtspsrc location=%s latency=%d ! decodebin ! videoconvert ! autovideosink sync=false",
			url, latency.Milliseconds(),
		),
	}
}
