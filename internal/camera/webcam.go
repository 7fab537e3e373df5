package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/blackjack/webcam"
	"github.com/rs/zerolog/log"
)

const (
	mjpeg = webcam.PixelFormat(0x47504A4D) // V4L2 fourcc 'MJPG'

	// the first frames after stream start are usually under-exposed
	warmupFrames = 5
	frameWait    = 1 // seconds, WaitForFrame granularity
)

type frameSource interface {
	GetSupportedFormats() map[webcam.PixelFormat]string
	SetImageFormat(f webcam.PixelFormat, width, height uint32) (webcam.PixelFormat, uint32, uint32, error)
	StartStreaming() error
	WaitForFrame(timeout uint32) error
	ReadFrame() ([]byte, error)
	Close() error
}

var openDevice = func(path string) (frameSource, error) {
	return webcam.Open(path)
}

// Webcam grabs one MJPEG frame from a V4L2 device. MJPEG frames are complete
// JPEG images, so the frame is written out as is.
type Webcam struct {
	device        string
	dir           string
	width, height uint32
	timeout       time.Duration
	busy          slot
}

var _ Capturer = (*Webcam)(nil)

func NewWebcam(device, dir string, width, height uint32, timeout time.Duration) *Webcam {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Webcam{device: device, dir: dir, width: width, height: height, timeout: timeout, busy: newSlot()}
}

func (c *Webcam) Capture(ctx context.Context) (string, error) {
	if err := c.busy.acquire(ctx); err != nil {
		return "", err
	}
	defer c.busy.release()

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	frame, err := c.grab(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrCaptureFailed, c.device, err)
	}

	path := photoPath(c.dir, now())
	if err := os.WriteFile(path, frame, 0644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	log.Info().Str("path", path).Str("device", c.device).Int("bytes", len(frame)).Msg("Photo captured")
	return path, nil
}

func (c *Webcam) grab(ctx context.Context) ([]byte, error) {
	cam, err := openDevice(c.device)
	if err != nil {
		return nil, err
	}
	defer cam.Close()

	if _, ok := cam.GetSupportedFormats()[mjpeg]; !ok {
		return nil, errors.New("device does not support MJPEG")
	}
	if _, w, h, err := cam.SetImageFormat(mjpeg, c.width, c.height); err != nil {
		return nil, fmt.Errorf("failed to set image format: %w", err)
	} else if w != c.width || h != c.height {
		log.Debug().Uint32("width", w).Uint32("height", h).Msg("Webcam adjusted resolution")
	}
	if err := cam.StartStreaming(); err != nil {
		return nil, fmt.Errorf("failed to start streaming: %w", err)
	}

	deadline := now().Add(c.timeout)
	skipped := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if now().After(deadline) {
			return nil, errors.New("timed out waiting for frame")
		}

		err := cam.WaitForFrame(frameWait)
		var timeout *webcam.Timeout
		if errors.As(err, &timeout) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed waiting for frame: %w", err)
		}

		frame, err := cam.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("failed to read frame: %w", err)
		}
		if len(frame) == 0 {
			continue
		}
		if skipped < warmupFrames {
			skipped++
			continue
		}
		// ReadFrame returns the driver's mmap buffer
		return append([]byte(nil), frame...), nil
	}
}
