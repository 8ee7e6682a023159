// Package media checks that the candidate's camera and microphone stay
// usable for the whole session.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
)

// Frame quality thresholds on the 0-255 luminance scale.
const (
	BlockedLuminance  = 5.0
	LowLightLuminance = 20.0
	FrozenVariance    = 10.0
)

// maxSamples bounds the number of pixels inspected per frame.
const maxSamples = 160 * 120

// Reasons reported for rejected frames.
const (
	ReasonBlocked  = "Camera appears blocked/covered"
	ReasonLowLight = "Lighting too low, move to a brighter place"
	ReasonFrozen   = "Camera feed appears frozen"
	ReasonNoFrame  = "No camera frame received"
)

// Quality is the result of a frame check.
type Quality struct {
	IsValid   bool    `json:"is_valid"`
	Reason    string  `json:"reason,omitempty"`
	Luminance float64 `json:"luminance"`
	Variance  float64 `json:"variance"`
}

// Frames larger than this are rejected before decoding; the header alone
// decides how much memory a decode allocates.
const (
	MaxFrameWidth  = 1920
	MaxFrameHeight = 1920
	maxFramePixels = 1920 * 1080
)

// ErrFrameTooLarge is returned for frames whose declared size exceeds the
// limits.
var ErrFrameTooLarge = errors.New("frame dimensions exceed limit")

// DecodeFrame decodes a JPEG or PNG frame sampled by the browser.
func DecodeFrame(data []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame header: %w", err)
	}
	if cfg.Width > MaxFrameWidth || cfg.Height > MaxFrameHeight || cfg.Width*cfg.Height > maxFramePixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrFrameTooLarge, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// CheckFrameQuality computes mean luminance (0.299R+0.587G+0.114B) and its
// variance over a sample of the frame.
func CheckFrameQuality(img image.Image) Quality {
	if img == nil {
		return Quality{Reason: ReasonNoFrame}
	}
	b := img.Bounds()
	if b.Empty() {
		return Quality{Reason: ReasonNoFrame}
	}

	stride := 1
	for (b.Dx()/stride)*(b.Dy()/stride) > maxSamples {
		stride++
	}

	var sum, sumSq float64
	n := 0
	for y := b.Min.Y; y < b.Max.Y; y += stride {
		for x := b.Min.X; x < b.Max.X; x += stride {
			r, g, bl, _ := img.At(x, y).RGBA()
			l := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bl>>8)
			sum += l
			sumSq += l * l
			n++
		}
	}

	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}

	q := Quality{Luminance: mean, Variance: variance}
	switch {
	case mean < BlockedLuminance:
		q.Reason = ReasonBlocked
	case mean < LowLightLuminance:
		q.Reason = ReasonLowLight
	case variance < FrozenVariance:
		q.Reason = ReasonFrozen
	default:
		q.IsValid = true
	}
	return q
}
