// Package pinctrl wraps the Raspberry Pi `pinctrl` tool. It is used where the
// controller must touch a pin without owning it: checking relay levels at
// startup and releasing relays on the way out.
package pinctrl

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

type PinState struct {
	Pin     int
	Mode    string // ip, op, no
	Pull    string // pu, pd, pn
	Drive   string // dh, dl or empty
	Level   string // hi, lo, --
	Comment string
}

var pinLineRegex = regexp.MustCompile(`^\s*(\d+):\s+(\S+)\s+(.*?)\s+\|\s+(\S+)\s+//\s+(.*GPIO(\d+).*)$`)

// seams for tests
var (
	output = func(args ...string) ([]byte, error) {
		return exec.Command("pinctrl", args...).Output()
	}
	combinedOutput = func(args ...string) ([]byte, error) {
		return exec.Command("pinctrl", args...).CombinedOutput()
	}
)

// ReadAllPins parses `pinctrl get`, keyed by GPIO number.
func ReadAllPins() (map[int]PinState, error) {
	out, err := output("get")
	if err != nil {
		return nil, fmt.Errorf("failed to execute pinctrl get: %w", err)
	}
	return parseGet(strings.NewReader(string(out)))
}

func parseGet(r io.Reader) (map[int]PinState, error) {
	result := make(map[int]PinState)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		matches := pinLineRegex.FindStringSubmatch(scanner.Text())
		if len(matches) != 7 {
			continue
		}

		index, _ := strconv.Atoi(matches[1])
		state := PinState{
			Pin:     index,
			Mode:    matches[2],
			Level:   matches[4],
			Comment: matches[5],
		}
		for _, opt := range strings.Fields(matches[3]) {
			switch {
			case state.Pull == "" && (opt == "pu" || opt == "pd" || opt == "pn"):
				state.Pull = opt
			case state.Drive == "" && (opt == "dh" || opt == "dl"):
				state.Drive = opt
			}
		}
		result[state.Pin] = state
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning pinctrl output: %w", err)
	}
	return result, nil
}

func ReadPin(pin int) (*PinState, error) {
	all, err := ReadAllPins()
	if err != nil {
		return nil, err
	}
	state, ok := all[pin]
	if !ok {
		return nil, fmt.Errorf("pin %d not found in pinctrl output", pin)
	}
	return &state, nil
}

// ReadLevel reads one pin with `pinctrl lev`; true is high.
func ReadLevel(pin int) (bool, error) {
	out, err := output("lev", strconv.Itoa(pin))
	if err != nil {
		return false, fmt.Errorf("failed to read level for pin %d: %w", pin, err)
	}
	return parseLevel(string(out))
}

func parseLevel(out string) (bool, error) {
	switch trimmed := strings.TrimSpace(out); trimmed {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected output from pinctrl lev: %q", trimmed)
	}
}

// SetPin applies pinctrl set options, e.g. SetPin(17, "op", "pn", "dh").
func SetPin(pin int, opts ...string) error {
	args := append([]string{"set", strconv.Itoa(pin)}, opts...)
	out, err := combinedOutput(args...)
	if err != nil {
		return fmt.Errorf("pinctrl set failed: %s (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}
