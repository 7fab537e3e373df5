package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	rpio "github.com/stianeikeland/go-rpio/v4"

	"github.com/thatsimonsguy/greenhouse-controller/internal/dht11"
	"github.com/thatsimonsguy/greenhouse-controller/internal/pinctrl"
)

var ErrNotMapped = errors.New("gpio memory not mapped")

var (
	mu       sync.Mutex
	mapped   bool
	safeMode bool
)

// seams for tests
var (
	mapMemory   = rpio.Open
	unmapMemory = rpio.Close
	pinFor      = func(n int) pinIO { return rpio.Pin(uint8(n)) }
	readLevel   = pinctrl.ReadLevel
	setPin      = pinctrl.SetPin
)

type pinIO interface {
	Output()
	Low()
	Input()
	PullUp()
	Read() rpio.State
}

func SetSafeMode(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	safeMode = enabled
}

// Open maps the GPIO registers. It is called once at startup; reads before
// Open fail with ErrNotMapped instead of touching unmapped memory.
func Open() error {
	mu.Lock()
	defer mu.Unlock()
	if mapped {
		return nil
	}
	if err := mapMemory(); err != nil {
		return fmt.Errorf("failed to map gpio memory: %w", err)
	}
	mapped = true
	log.Info().Bool("safe_mode", safeMode).Msg("GPIO memory mapped")
	return nil
}

func Close() {
	mu.Lock()
	defer mu.Unlock()
	if !mapped {
		return
	}
	if err := unmapMemory(); err != nil {
		log.Warn().Err(err).Msg("Failed to unmap gpio memory")
	}
	mapped = false
}

// Pins hands out sensor lines backed by memory-mapped GPIO.
type Pins struct{}

var _ dht11.Opener = Pins{}

func (Pins) Open(pin int) (dht11.Line, error) {
	mu.Lock()
	defer mu.Unlock()
	if !mapped {
		return nil, ErrNotMapped
	}
	return &line{pin: pinFor(pin), quiet: safeMode}, nil
}

// line drives one pin for a single sensor exchange. In safe mode the host
// never drives the pin, so the sensor is never triggered and reads time out.
type line struct {
	pin   pinIO
	quiet bool
}

func (l *line) Output() {
	if !l.quiet {
		l.pin.Output()
	}
}

func (l *line) Low() {
	if !l.quiet {
		l.pin.Low()
	}
}

func (l *line) Input()     { l.pin.Input() }
func (l *line) PullUp()    { l.pin.PullUp() }
func (l *line) High() bool { return l.pin.Read() == rpio.High }

func (l *line) Close() error {
	l.pin.Input()
	l.pin.PullUp()
	return nil
}

// RelayPin describes a relay output that must be inactive when the
// controller starts.
type RelayPin struct {
	Name       string
	Number     int
	ActiveHigh bool
}

func ValidateRelayPins(pins []RelayPin) error {
	for _, p := range pins {
		level, err := readLevel(p.Number)
		if err != nil {
			return fmt.Errorf("failed to read pin level for %s (GPIO %d): %w", p.Name, p.Number, err)
		}
		if isActive(p, level) {
			return fmt.Errorf("pin %d (%s) is in wrong state at startup (expected active=false)", p.Number, p.Name)
		}
	}
	return nil
}

// Deactivate drives a relay pin to its inactive level through pinctrl.
// It is used on the shutdown path where the relay driver may be gone.
func Deactivate(p RelayPin) error {
	mu.Lock()
	quiet := safeMode
	mu.Unlock()
	if quiet {
		return nil
	}

	drive := "dh"
	if p.ActiveHigh {
		drive = "dl"
	}
	if err := setPin(p.Number, "op", "pn", drive); err != nil {
		return fmt.Errorf("failed to deactivate pin %d (%s): %w", p.Number, p.Name, err)
	}
	return nil
}

func CurrentlyActive(p RelayPin) (bool, error) {
	level, err := readLevel(p.Number)
	if err != nil {
		return false, err
	}
	return isActive(p, level), nil
}

func isActive(p RelayPin, level bool) bool {
	return p.ActiveHigh == level
}

// headerToBCM maps 40-pin header positions, as gobot's raspi adaptor names
// them, to the BCM numbers pinctrl expects.
var headerToBCM = map[string]int{
	"3": 2, "5": 3, "7": 4, "8": 14, "10": 15, "11": 17, "12": 18, "13": 27,
	"15": 22, "16": 23, "18": 24, "19": 10, "21": 9, "22": 25, "23": 11, "24": 8,
	"26": 7, "27": 0, "28": 1, "29": 5, "31": 6, "32": 12, "33": 13, "35": 19,
	"36": 16, "37": 26, "38": 20, "40": 21,
}

func HeaderToBCM(header string) (int, error) {
	n, ok := headerToBCM[header]
	if !ok {
		return 0, fmt.Errorf("header pin %q is not a GPIO line", header)
	}
	return n, nil
}
