// Package shutdown runs the controller's exit path. Hooks registered at
// startup put the greenhouse into a safe state (light off, relays released)
// before the process exits.
package shutdown

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/greenhouse-controller/internal/gpio"
)

const hookTimeout = 15 * time.Second

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

var (
	mu    sync.Mutex
	hooks []hook
	done  bool
)

// seam for tests
var exit = os.Exit

// RegisterHook adds fn to the exit path. Hooks run in reverse registration
// order and only after the control loop has stopped, so they may touch
// loop-owned state.
func RegisterHook(name string, fn func(ctx context.Context) error) {
	mu.Lock()
	defer mu.Unlock()
	hooks = append(hooks, hook{name: name, fn: fn})
}

// ReleaseRelays registers a hook that drives every relay pin inactive through
// pinctrl. It works even when the gobot adaptor is gone.
func ReleaseRelays(pins []gpio.RelayPin) {
	for _, p := range pins {
		p := p
		RegisterHook("release "+p.Name, func(context.Context) error {
			return gpio.Deactivate(p)
		})
	}
}

func Shutdown() {
	runHooks()
	log.Info().Msg("Greenhouse controller stopped")
	exit(0)
}

func ShutdownWithError(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	runHooks()
	exit(1)
}

// runHooks runs each hook at most once per process, logging failures and
// carrying on with the rest.
func runHooks() {
	mu.Lock()
	if done {
		mu.Unlock()
		return
	}
	done = true
	pending := make([]hook, len(hooks))
	copy(pending, hooks)
	mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	for i := len(pending) - 1; i >= 0; i-- {
		h := pending[i]
		if err := h.fn(ctx); err != nil {
			log.Error().Err(err).Str("hook", h.name).Msg("Shutdown hook failed")
			continue
		}
		log.Info().Str("hook", h.name).Msg("Shutdown hook complete")
	}
}

func reset() {
	mu.Lock()
	defer mu.Unlock()
	hooks = nil
	done = false
}
