// Package actuator keeps track of the greenhouse's mains actuators (light and
// pump), finds them on the network and issues best-effort power commands.
//
// A Registry is not safe for concurrent use. It is owned by the control loop
// goroutine; every other caller goes through the loop.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/greenhouse-controller/internal/model"
)

var (
	ErrUnreachable      = errors.New("actuator unreachable")
	ErrNotConnected     = errors.New("actuator not connected")
	ErrPartialDiscovery = errors.New("discovery partially failed")
)

const (
	DefaultDiscoveryTimeout = 5 * time.Second
	DefaultCallTimeout      = 5 * time.Second
	DefaultShortBackoff     = 30 * time.Minute
	DefaultLongBackoff      = 11 * time.Hour
)

// Device is one switchable outlet as seen through a transport.
type Device interface {
	Name() string
	Refresh(ctx context.Context) error
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	// IsOn reports the power state seen by the last successful Refresh or command.
	IsOn() bool
}

type Scanner interface {
	Scan(ctx context.Context) ([]Device, error)
}

// Handle is the registry's view of one role. Handles are never removed once
// created; a handle whose device stops answering is marked disconnected.
type Handle struct {
	Role      model.Role
	Name      string
	Connected bool
	LastKnown model.PowerState

	device Device
}

type HandleStatus struct {
	Role      model.Role       `json:"role"`
	Name      string           `json:"name"`
	Present   bool             `json:"present"`
	Connected bool             `json:"connected"`
	Power     model.PowerState `json:"-"`
	PowerText string           `json:"power"`
}

type Options struct {
	// Names maps a role to the device name it is matched by. Roles without a
	// name are not expected and never discovered.
	Names            map[model.Role]string
	DiscoveryTimeout time.Duration
	CallTimeout      time.Duration
	ShortBackoff     time.Duration
	LongBackoff      time.Duration
}

type Registry struct {
	scanner Scanner
	opts    Options
	handles map[model.Role]*Handle
}

func NewRegistry(scanner Scanner, opts Options) *Registry {
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.ShortBackoff <= 0 {
		opts.ShortBackoff = DefaultShortBackoff
	}
	if opts.LongBackoff <= 0 {
		opts.LongBackoff = DefaultLongBackoff
	}
	names := make(map[model.Role]string, len(opts.Names))
	for role, name := range opts.Names {
		if name != "" {
			names[role] = name
		}
	}
	opts.Names = names

	return &Registry{
		scanner: scanner,
		opts:    opts,
		handles: make(map[model.Role]*Handle),
	}
}

// Expected returns the roles that have a configured device name, in
// evaluation order.
func (r *Registry) Expected() []model.Role {
	var roles []model.Role
	for _, role := range model.Roles {
		if _, ok := r.opts.Names[role]; ok {
			roles = append(roles, role)
		}
	}
	return roles
}

func (r *Registry) IsExpected(role model.Role) bool {
	_, ok := r.opts.Names[role]
	return ok
}

// Has reports whether a handle exists for role, connected or not.
func (r *Registry) Has(role model.Role) bool {
	_, ok := r.handles[role]
	return ok
}

func (r *Registry) Handle(role model.Role) (Handle, bool) {
	h, ok := r.handles[role]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// Discover scans the network and returns the devices matching a configured
// name. Devices that fail their first refresh are skipped; the returned error
// then wraps ErrPartialDiscovery and the map still holds whatever matched.
//
// The scan is bounded by DiscoveryTimeout and may use all of it; each refresh
// afterwards gets its own CallTimeout from ctx.
func (r *Registry) Discover(ctx context.Context) (map[model.Role]Device, error) {
	found := make(map[model.Role]Device)

	scanCtx, cancel := context.WithTimeout(ctx, r.opts.DiscoveryTimeout)
	devices, scanErr := r.scan(scanCtx)
	cancel()
	if scanErr != nil && len(devices) == 0 {
		return found, fmt.Errorf("%w: %v", ErrPartialDiscovery, scanErr)
	}

	var failures []string
	if scanErr != nil {
		failures = append(failures, scanErr.Error())
	}

	for _, dev := range devices {
		if err := r.call(ctx, dev.Refresh); err != nil {
			log.Warn().Err(err).Str("device", safeName(dev)).Msg("Failed updating device during discovery")
			failures = append(failures, fmt.Sprintf("%s: %v", safeName(dev), err))
			continue
		}

		name := safeName(dev)
		log.Debug().Str("device", name).Msg("Found device")
		for role, want := range r.opts.Names {
			if name == want {
				found[role] = dev
			}
		}
	}

	if len(failures) > 0 {
		return found, fmt.Errorf("%w: %d device(s) failed: %v", ErrPartialDiscovery, len(failures), failures)
	}
	return found, nil
}

// EnsureConnected rediscovers when forced or when an expected role lacks a
// connected handle, merges what was found, refreshes the remaining known
// handles and returns when the next attempt should happen: ShortBackoff from
// now while any expected role is missing or disconnected, LongBackoff once
// all of them answer.
func (r *Registry) EnsureConnected(ctx context.Context, force bool, now time.Time) time.Time {
	fresh := make(map[model.Role]bool)

	if force || !r.healthy() {
		found, err := r.Discover(ctx)
		if err != nil {
			log.Warn().Err(err).Int("matched", len(found)).Msg("Actuator discovery incomplete")
		}
		for role, dev := range found {
			// Discover refreshed dev moments ago, so its cached state is current.
			r.handles[role] = &Handle{
				Role:      role,
				Name:      r.opts.Names[role],
				Connected: true,
				LastKnown: model.PowerFromBool(dev.IsOn()),
				device:    dev,
			}
			fresh[role] = true
			log.Info().Str("role", string(role)).Str("device", r.opts.Names[role]).Msg("Actuator connected")
		}
	}

	// sanity refresh of handles that were not just discovered
	for role, h := range r.handles {
		if fresh[role] {
			continue
		}
		if _, err := r.refresh(ctx, h); err != nil {
			log.Warn().Err(err).Str("role", string(role)).Msg("Actuator refresh failed")
		}
	}

	if r.healthy() {
		return now.Add(r.opts.LongBackoff)
	}
	return now.Add(r.opts.ShortBackoff)
}

func (r *Registry) TurnOn(ctx context.Context, role model.Role) error {
	return r.command(ctx, role, true)
}

func (r *Registry) TurnOff(ctx context.Context, role model.Role) error {
	return r.command(ctx, role, false)
}

// IsOn refreshes the role's device and reports its power state.
func (r *Registry) IsOn(ctx context.Context, role model.Role) (model.PowerState, error) {
	h, ok := r.handles[role]
	if !ok {
		return model.PowerUnknown, fmt.Errorf("%w: %s", ErrNotConnected, role)
	}
	return r.refresh(ctx, h)
}

func (r *Registry) Snapshot() []HandleStatus {
	var out []HandleStatus
	for _, role := range model.Roles {
		h, ok := r.handles[role]
		if !ok {
			if name, expected := r.opts.Names[role]; expected {
				out = append(out, HandleStatus{Role: role, Name: name, PowerText: model.PowerUnknown.String()})
			}
			continue
		}
		out = append(out, HandleStatus{
			Role:      role,
			Name:      h.Name,
			Present:   true,
			Connected: h.Connected,
			Power:     h.LastKnown,
			PowerText: h.LastKnown.String(),
		})
	}
	return out
}

func (r *Registry) healthy() bool {
	for role := range r.opts.Names {
		h, ok := r.handles[role]
		if !ok || !h.Connected {
			return false
		}
	}
	return true
}

func (r *Registry) command(ctx context.Context, role model.Role, on bool) error {
	h, ok := r.handles[role]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, role)
	}

	op := h.device.TurnOff
	if on {
		op = h.device.TurnOn
	}
	if err := r.call(ctx, op); err != nil {
		h.Connected = false
		h.LastKnown = model.PowerUnknown
		return fmt.Errorf("%w: %s %q: %v", ErrUnreachable, role, h.Name, err)
	}

	h.Connected = true
	h.LastKnown = model.PowerFromBool(on)
	return nil
}

func (r *Registry) refresh(ctx context.Context, h *Handle) (model.PowerState, error) {
	if err := r.call(ctx, h.device.Refresh); err != nil {
		h.Connected = false
		h.LastKnown = model.PowerUnknown
		return model.PowerUnknown, fmt.Errorf("%w: %s %q: %v", ErrUnreachable, h.Role, h.Name, err)
	}
	h.Connected = true
	h.LastKnown = model.PowerFromBool(h.device.IsOn())
	return h.LastKnown, nil
}

// call bounds op by CallTimeout and turns a panicking transport into an error.
func (r *Registry) call(ctx context.Context, op func(context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transport panic: %v", p)
		}
	}()
	return op(ctx)
}

func (r *Registry) scan(ctx context.Context) (devices []Device, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scanner panic: %v", p)
		}
	}()
	devices, err = r.scanner.Scan(ctx)
	sort.SliceStable(devices, func(i, j int) bool { return safeName(devices[i]) < safeName(devices[j]) })
	return devices, err
}

func safeName(d Device) (name string) {
	defer func() {
		if recover() != nil {
			name = "<unknown>"
		}
	}()
	return d.Name()
}
