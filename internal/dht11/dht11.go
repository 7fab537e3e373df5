// Package dht11 reads humidity and temperature from a DHT11 sensor by
// bit-banging its single-wire protocol.
//
// The host pulls the line low for at least 18 ms, releases it, and the sensor
// answers with an 80 us low / 80 us high preamble followed by 40 bits. Each bit
// is a ~50 us low followed by a high pulse whose length carries the value:
// ~27 us for 0, ~70 us for 1. The frame is humidity integer, humidity
// fraction, temperature integer, temperature fraction and an 8-bit checksum.
package dht11

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout          = errors.New("dht11: timed out waiting for sensor")
	ErrChecksumMismatch = errors.New("dht11: checksum mismatch")
	ErrFault            = errors.New("dht11: pin access fault")
	ErrOutOfRange       = errors.New("dht11: humidity out of range")
)

const (
	FrameBits   = 40
	MaxHumidity = 100.0

	DefaultTimeout      = 500 * time.Millisecond
	DefaultBitThreshold = 50 * time.Microsecond
	StartSignal         = 20 * time.Millisecond
)

// Line is one GPIO pin owned for the duration of a single read.
type Line interface {
	Output()
	Low()
	Input()
	PullUp()
	High() bool
	// Close returns the pin to its idle state (input, pulled up).
	Close() error
}

type Opener interface {
	Open(pin int) (Line, error)
}

// Clock is the monotonic time source used to bound every wait.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

type Frame [5]byte

func (f Frame) Checksum() byte {
	return f[0] + f[1] + f[2] + f[3]
}

func (f Frame) Valid() bool {
	return f[4] == f.Checksum()
}

func (f Frame) Humidity() float64 {
	return float64(f[0]) + float64(f[1])/100
}

func (f Frame) TemperatureC() float64 {
	return float64(f[2]) + float64(f[3])/100
}

// Reading is the outcome of one decode attempt. Humidity and TemperatureF are
// only meaningful when Valid is true; otherwise Err says why.
type Reading struct {
	Humidity     float64
	TemperatureF float64
	Valid        bool
	Err          error
	Frame        Frame
	TakenAt      time.Time
}

func CToF(c float64) float64 {
	return c*9/5 + 32
}

type Decoder struct {
	opener       Opener
	pin          int
	timeout      time.Duration
	bitThreshold time.Duration
	clock        Clock
}

func NewDecoder(opener Opener, pin int, timeout, bitThreshold time.Duration) *Decoder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if bitThreshold <= 0 {
		bitThreshold = DefaultBitThreshold
	}
	return &Decoder{
		opener:       opener,
		pin:          pin,
		timeout:      timeout,
		bitThreshold: bitThreshold,
		clock:        systemClock{},
	}
}

// Read performs one start-signal/response exchange. It never panics and
// returns within StartSignal plus the configured timeout.
func (d *Decoder) Read() (r Reading) {
	start := d.clock.Now()
	defer func() {
		if p := recover(); p != nil {
			r = failed(start, fmt.Errorf("%w: %v", ErrFault, p))
		}
	}()

	line, err := d.opener.Open(d.pin)
	if err != nil {
		return failed(start, fmt.Errorf("%w: open pin %d: %v", ErrFault, d.pin, err))
	}
	defer release(line)

	frame, err := d.readFrame(line)
	if err != nil {
		return failed(start, err)
	}
	if !frame.Valid() {
		return Reading{
			Err:     fmt.Errorf("%w: got %#02x, want %#02x", ErrChecksumMismatch, frame[4], frame.Checksum()),
			Frame:   frame,
			TakenAt: start,
		}
	}

	// checksum passed but the value is impossible
	if h := frame.Humidity(); h > MaxHumidity {
		return Reading{
			Err:     fmt.Errorf("%w: %.2f%%", ErrOutOfRange, h),
			Frame:   frame,
			TakenAt: start,
		}
	}

	return Reading{
		Humidity:     frame.Humidity(),
		TemperatureF: CToF(frame.TemperatureC()),
		Valid:        true,
		Frame:        frame,
		TakenAt:      start,
	}
}

// ReadWithRetries re-reads up to retries extra times, waiting gap between
// attempts, and returns the first valid reading or the last failure.
func (d *Decoder) ReadWithRetries(retries int, gap time.Duration) Reading {
	r := d.Read()
	for i := 0; i < retries && !r.Valid; i++ {
		d.clock.Sleep(gap)
		r = d.Read()
	}
	return r
}

func (d *Decoder) readFrame(line Line) (Frame, error) {
	var f Frame

	line.Output()
	line.Low()
	d.clock.Sleep(StartSignal)
	line.Input()
	line.PullUp()

	// one deadline covers the whole response, so no single wait can exceed it
	deadline := d.clock.Now().Add(d.timeout)

	if err := d.waitFor(line, false, deadline, "acknowledgement"); err != nil {
		return f, err
	}
	if err := d.waitFor(line, true, deadline, "preamble"); err != nil {
		return f, err
	}
	if err := d.waitFor(line, false, deadline, "first bit"); err != nil {
		return f, err
	}

	for i := 0; i < FrameBits; i++ {
		if err := d.waitFor(line, true, deadline, "bit start"); err != nil {
			return f, fmt.Errorf("%w %d", err, i)
		}
		rise := d.clock.Now()
		if err := d.waitFor(line, false, deadline, "bit end"); err != nil {
			return f, fmt.Errorf("%w %d", err, i)
		}
		if d.clock.Now().Sub(rise) > d.bitThreshold {
			f[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return f, nil
}

func (d *Decoder) waitFor(line Line, high bool, deadline time.Time, stage string) error {
	for line.High() != high {
		if d.clock.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrTimeout, stage)
		}
	}
	return nil
}

func release(line Line) {
	defer func() { _ = recover() }()
	_ = line.Close()
}

func failed(at time.Time, err error) Reading {
	return Reading{Err: err, TakenAt: at}
}
