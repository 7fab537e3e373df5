package dht11

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- simulated sensor ---

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

type segment struct {
	high bool
	dur  time.Duration
}

// fakeLine replays a waveform starting at the moment the host releases the
// line. Every sample advances the shared clock by one microsecond, which is
// roughly what a memory-mapped read loop costs on a Pi.
type fakeLine struct {
	clock     *fakeClock
	segments  []segment
	idleHigh  bool
	released  time.Time
	input     bool
	closed    bool
	panicOnRd bool
}

func (l *fakeLine) Output() { l.input = false }
func (l *fakeLine) Low()    {}
func (l *fakeLine) PullUp() {}
func (l *fakeLine) Input() {
	l.input = true
	l.released = l.clock.now
}

func (l *fakeLine) High() bool {
	if l.panicOnRd {
		panic("gpio memory not mapped")
	}
	offset := l.clock.now.Sub(l.released)
	l.clock.now = l.clock.now.Add(time.Microsecond)

	var elapsed time.Duration
	for _, s := range l.segments {
		elapsed += s.dur
		if offset < elapsed {
			return s.high
		}
	}
	return l.idleHigh
}

func (l *fakeLine) Close() error {
	l.closed = true
	return nil
}

type fakeOpener struct {
	lines []*fakeLine
	opens int
	err   error
}

func (o *fakeOpener) Open(pin int) (Line, error) {
	if o.err != nil {
		return nil, o.err
	}
	l := o.lines[o.opens]
	if o.opens < len(o.lines)-1 {
		o.opens++
	}
	return l, nil
}

func waveform(f Frame) []segment {
	segs := []segment{
		{true, 30 * time.Microsecond}, // pull-up before the sensor answers
		{false, 80 * time.Microsecond},
		{true, 80 * time.Microsecond},
	}
	for i := 0; i < FrameBits; i++ {
		bit := f[i/8] >> (7 - uint(i%8)) & 1
		high := 27 * time.Microsecond
		if bit == 1 {
			high = 70 * time.Microsecond
		}
		segs = append(segs, segment{false, 50 * time.Microsecond}, segment{true, high})
	}
	return append(segs, segment{false, 50 * time.Microsecond})
}

func withChecksum(h, hf, t, tf byte) Frame {
	f := Frame{h, hf, t, tf, 0}
	f[4] = f.Checksum()
	return f
}

func newTestDecoder(lines ...*fakeLine) (*Decoder, *fakeClock, *fakeOpener) {
	clock := &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	for _, l := range lines {
		l.clock = clock
	}
	opener := &fakeOpener{lines: lines}
	d := NewDecoder(opener, 17, DefaultTimeout, DefaultBitThreshold)
	d.clock = clock
	return d, clock, opener
}

// --- tests ---

func TestRead_ValidFrame(t *testing.T) {
	frame := withChecksum(55, 0, 24, 5)
	line := &fakeLine{segments: waveform(frame), idleHigh: true}
	d, _, _ := newTestDecoder(line)

	r := d.Read()

	require.True(t, r.Valid, "unexpected error: %v", r.Err)
	assert.NoError(t, r.Err)
	assert.Equal(t, frame, r.Frame)
	assert.InDelta(t, 55.0, r.Humidity, 1e-9)
	assert.InDelta(t, CToF(24.05), r.TemperatureF, 1e-9)
	assert.True(t, line.closed, "pin must be released")
}

func TestRead_AllChecksummedFramesDecode(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 200; i++ {
		// integer humidity below 98 keeps any fraction byte within 100%
		frame := withChecksum(byte(rng.Intn(98)), byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256)))
		line := &fakeLine{segments: waveform(frame), idleHigh: true}
		d, _, _ := newTestDecoder(line)

		r := d.Read()

		require.True(t, r.Valid, "frame %v: %v", frame, r.Err)
		assert.Equal(t, frame, r.Frame)
		assert.InDelta(t, float64(frame[0])+float64(frame[1])/100, r.Humidity, 1e-9)
		assert.InDelta(t, CToF(float64(frame[2])+float64(frame[3])/100), r.TemperatureF, 1e-9)
	}
}

func TestRead_HumidityOutOfRange(t *testing.T) {
	for _, frame := range []Frame{withChecksum(101, 0, 24, 0), withChecksum(100, 1, 24, 0), withChecksum(255, 255, 24, 0)} {
		line := &fakeLine{segments: waveform(frame), idleHigh: true}
		d, _, _ := newTestDecoder(line)

		r := d.Read()

		assert.False(t, r.Valid, "frame %v", frame)
		assert.True(t, errors.Is(r.Err, ErrOutOfRange), "frame %v: %v", frame, r.Err)
		assert.Zero(t, r.Humidity)
		assert.Zero(t, r.TemperatureF)
	}

	frame := withChecksum(100, 0, 24, 0)
	line := &fakeLine{segments: waveform(frame), idleHigh: true}
	d, _, _ := newTestDecoder(line)
	r := d.Read()
	require.True(t, r.Valid, "unexpected error: %v", r.Err)
	assert.Equal(t, 100.0, r.Humidity)
}

func TestRead_CorruptedChecksum(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 100; i++ {
		// integer humidity below 98 keeps any fraction byte within 100%
		frame := withChecksum(byte(rng.Intn(98)), byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256)))
		frame[4] += byte(1 + rng.Intn(255))
		line := &fakeLine{segments: waveform(frame), idleHigh: true}
		d, _, _ := newTestDecoder(line)

		r := d.Read()

		assert.False(t, r.Valid)
		assert.True(t, errors.Is(r.Err, ErrChecksumMismatch), "frame %v: %v", frame, r.Err)
		assert.Zero(t, r.Humidity)
		assert.Zero(t, r.TemperatureF)
		assert.True(t, line.closed)
	}
}

func TestRead_Timeouts(t *testing.T) {
	full := waveform(withChecksum(40, 0, 22, 0))

	tests := []struct {
		name     string
		segments []segment
		idleHigh bool
	}{
		{"no acknowledgement", nil, true},
		{"line stuck low", nil, false},
		{"no preamble", full[:2], false},
		{"stops after ten bits", full[:3+20], true},
		{"bit high never ends", full[:3+2*39+2], true},
		{"stuck low mid frame", full[:3+2*17+1], false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := &fakeLine{segments: tt.segments, idleHigh: tt.idleHigh}
			d, clock, _ := newTestDecoder(line)
			start := clock.Now()

			r := d.Read()

			assert.False(t, r.Valid)
			assert.True(t, errors.Is(r.Err, ErrTimeout), "got %v", r.Err)
			assert.Zero(t, r.Frame, "partial frames are never returned")
			assert.LessOrEqual(t, clock.Now().Sub(start), StartSignal+DefaultTimeout+10*time.Microsecond)
			assert.True(t, line.closed, "pin must be released on timeout")
		})
	}
}

func TestRead_PanicIsFault(t *testing.T) {
	line := &fakeLine{panicOnRd: true}
	d, _, _ := newTestDecoder(line)

	var r Reading
	assert.NotPanics(t, func() { r = d.Read() })
	assert.False(t, r.Valid)
	assert.True(t, errors.Is(r.Err, ErrFault))
	assert.True(t, line.closed)
}

func TestRead_OpenErrorIsFault(t *testing.T) {
	d, _, opener := newTestDecoder(&fakeLine{})
	opener.err = errors.New("/dev/gpiomem: permission denied")

	r := d.Read()

	assert.False(t, r.Valid)
	assert.True(t, errors.Is(r.Err, ErrFault))
}

func TestRead_ConsecutiveCallsStaySafe(t *testing.T) {
	good := withChecksum(60, 0, 21, 0)
	lines := []*fakeLine{
		{segments: nil, idleHigh: true},
		{segments: waveform(good), idleHigh: true},
	}
	d, _, _ := newTestDecoder(lines...)

	first := d.Read()
	second := d.Read()

	assert.True(t, errors.Is(first.Err, ErrTimeout))
	assert.True(t, second.Valid)
	assert.True(t, lines[0].closed)
	assert.True(t, lines[1].closed)
}

func TestReadWithRetries(t *testing.T) {
	good := withChecksum(48, 0, 30, 0)
	bad := good
	bad[4]++
	lines := []*fakeLine{
		{segments: waveform(bad), idleHigh: true},
		{segments: nil, idleHigh: true},
		{segments: waveform(good), idleHigh: true},
	}
	d, _, opener := newTestDecoder(lines...)

	r := d.ReadWithRetries(3, 2*time.Second)

	require.True(t, r.Valid)
	assert.Equal(t, good, r.Frame)
	assert.Equal(t, 2, opener.opens)
}

func TestReadWithRetries_GivesUp(t *testing.T) {
	d, _, _ := newTestDecoder(&fakeLine{segments: nil, idleHigh: true})

	r := d.ReadWithRetries(2, time.Second)

	assert.False(t, r.Valid)
	assert.True(t, errors.Is(r.Err, ErrTimeout))
}

func TestFrame(t *testing.T) {
	f := Frame{200, 100, 10, 0, 54} // 310 mod 256
	assert.True(t, f.Valid())
	assert.Equal(t, byte(54), f.Checksum())
	assert.InDelta(t, 201.0, f.Humidity(), 1e-9)
	assert.InDelta(t, 10.0, f.TemperatureC(), 1e-9)
}

func TestCToF(t *testing.T) {
	assert.InDelta(t, 32.0, CToF(0), 1e-9)
	assert.InDelta(t, 212.0, CToF(100), 1e-9)
	assert.InDelta(t, 91.4, CToF(33), 1e-9)
}
