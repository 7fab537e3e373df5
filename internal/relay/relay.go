// Package relay drives actuators wired to GPIO relay boards instead of smart
// plugs. Each configured channel shows up as a Device named after the role's
// configured device name.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"gobot.io/x/gobot/v2"
	"gobot.io/x/gobot/v2/drivers/gpio"
	"gobot.io/x/gobot/v2/platforms/raspi"

	"github.com/thatsimonsguy/greenhouse-controller/internal/actuator"
)

var ErrNotStarted = errors.New("relay board not connected")

// Adaptor is the subset of a gobot platform adaptor the relays need.
type Adaptor interface {
	gobot.Connection
	gpio.DigitalWriter
}

type Channel struct {
	Name       string
	Pin        string // header pin, as gobot's raspi adaptor numbers them
	ActiveHigh bool
}

// Board owns the adaptor connection and one driver per channel.
type Board struct {
	adaptor  Adaptor
	channels []Channel

	mu        sync.Mutex
	connected bool
	relays    []*Relay
}

var _ actuator.Scanner = (*Board)(nil)

func NewRaspiBoard(channels []Channel) *Board {
	return NewBoard(raspi.NewAdaptor(), channels)
}

func NewBoard(adaptor Adaptor, channels []Channel) *Board {
	return &Board{adaptor: adaptor, channels: channels}
}

// Scan connects the adaptor on first use and returns every channel. Relays
// cannot be discovered, so a scan only fails when the board itself does.
func (b *Board) Scan(ctx context.Context) ([]actuator.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		if err := b.connect(); err != nil {
			return nil, err
		}
	}

	devices := make([]actuator.Device, 0, len(b.relays))
	for _, r := range b.relays {
		devices = append(devices, r)
	}
	return devices, nil
}

func (b *Board) connect() error {
	if err := b.adaptor.Connect(); err != nil {
		return fmt.Errorf("failed to connect relay adaptor: %w", err)
	}

	relays := make([]*Relay, 0, len(b.channels))
	for _, ch := range b.channels {
		driver := gpio.NewRelayDriver(b.adaptor, ch.Pin)
		if err := driver.Start(); err != nil {
			return fmt.Errorf("failed to start relay %s on pin %s: %w", ch.Name, ch.Pin, err)
		}
		r := &Relay{channel: ch, driver: driver, board: b}
		// relays power up released; make the logical state match
		if err := r.write(false); err != nil {
			return fmt.Errorf("failed to release relay %s: %w", ch.Name, err)
		}
		relays = append(relays, r)
		log.Info().Str("device", ch.Name).Str("pin", ch.Pin).Bool("active_high", ch.ActiveHigh).Msg("Relay channel ready")
	}

	b.relays = relays
	b.connected = true
	return nil
}

// Halt releases every relay and closes the adaptor.
func (b *Board) Halt() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}

	var errs []error
	for _, r := range b.relays {
		if err := r.write(false); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.adaptor.Finalize(); err != nil {
		errs = append(errs, err)
	}
	b.connected = false
	b.relays = nil
	return errors.Join(errs...)
}

func (b *Board) isConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Relay is one board channel.
type Relay struct {
	channel Channel
	driver  *gpio.RelayDriver
	board   *Board

	mu sync.Mutex
	on bool
}

var _ actuator.Device = (*Relay)(nil)

func (r *Relay) Name() string { return r.channel.Name }

func (r *Relay) IsOn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.on
}

// Refresh only checks the board is still connected; relay state is whatever
// was last written.
func (r *Relay) Refresh(ctx context.Context) error {
	if !r.board.isConnected() {
		return ErrNotStarted
	}
	return ctx.Err()
}

func (r *Relay) TurnOn(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return err
	}
	return r.write(true)
}

func (r *Relay) TurnOff(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return err
	}
	return r.write(false)
}

// write energizes the coil for an active-high channel on On, and the
// opposite for active-low boards.
func (r *Relay) write(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	high := on == r.channel.ActiveHigh
	var err error
	if high {
		err = r.driver.On()
	} else {
		err = r.driver.Off()
	}
	if err != nil {
		return fmt.Errorf("failed to switch relay %s: %w", r.channel.Name, err)
	}
	r.on = on
	return nil
}
