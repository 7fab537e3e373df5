package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrCaptureFailed = errors.New("photo capture failed")

const DefaultTimeout = 30 * time.Second

type Capturer interface {
	Capture(ctx context.Context) (string, error)
}

// seams for tests
var (
	execCommand = exec.CommandContext
	now         = time.Now
)

// photoPath names a capture after the wall clock, e.g. photos/grow_2026-06-01_15-00-00.jpg.
func photoPath(dir string, t time.Time) string {
	return filepath.Join(dir, "grow_"+t.Format("2006-01-02_15-04-05")+".jpg")
}

// slot serializes captures on one device. Unlike a mutex, a waiter gives up
// when its context ends.
type slot chan struct{}

func newSlot() slot { return make(slot, 1) }

func (s slot) acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: camera busy: %v", ErrCaptureFailed, ctx.Err())
	}
}

func (s slot) release() { <-s }

// Rpicam shells out to rpicam-still on a Raspberry Pi camera module.
type Rpicam struct {
	dir     string
	timeout time.Duration
	busy    slot
}

var _ Capturer = (*Rpicam)(nil)

func NewRpicam(dir string, timeout time.Duration) *Rpicam {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Rpicam{dir: dir, timeout: timeout, busy: newSlot()}
}

func (c *Rpicam) Capture(ctx context.Context) (string, error) {
	if err := c.busy.acquire(ctx); err != nil {
		return "", err
	}
	defer c.busy.release()

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	path := photoPath(c.dir, now())
	// 5 s warm-up for exposure, fixed white balance gains for the grow light
	cmd := execCommand(ctx, "rpicam-still",
		"-o", path,
		"-t", "5000",
		"--awbgains", "1.3,1.9",
		"--nopreview",
		"--quality", "100",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Warn().Err(err).Str("output", string(out)).Msg("rpicam-still failed")
		return "", fmt.Errorf("%w: rpicam-still: %v", ErrCaptureFailed, err)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s not written", ErrCaptureFailed, path)
	}

	log.Info().Str("path", path).Msg("Photo captured")
	return path, nil
}
