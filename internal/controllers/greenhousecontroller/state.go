package greenhousecontroller

import (
	"time"

	"github.com/thatsimonsguy/greenhouse-controller/internal/config"
	"github.com/thatsimonsguy/greenhouse-controller/internal/model"
)

// PhotoEdge remembers the hour of the last successful hourly photo.
type PhotoEdge struct {
	LastFiredHour int
	Initialized   bool
}

// due reports whether an hourly photo should be taken at now.
func (p PhotoEdge) due(now time.Time) bool {
	if now.Minute() != 0 {
		return false
	}
	return !p.Initialized || now.Hour() != p.LastFiredHour
}

func (p *PhotoEdge) fired(now time.Time) {
	p.LastFiredHour = now.Hour()
	p.Initialized = true
}

// State is the loop's mutable control state. Only the goroutine running
// Controller.Run touches it.
type State struct {
	Overrides     map[model.Role]bool
	Photo         PhotoEdge
	NextDiscovery time.Time
}

func NewState() State {
	return State{Overrides: make(map[model.Role]bool)}
}

func (s State) Mode(role model.Role) model.ControlMode {
	if s.Overrides[role] {
		return model.ModeManual
	}
	return model.ModeAuto
}

// lightWanted reports whether the light schedule wants the light on during
// hour. A window whose start is after its end wraps past midnight.
func lightWanted(sched config.LightSchedule, hour int) bool {
	if sched.StartHour <= sched.EndHour {
		return sched.StartHour <= hour && hour < sched.EndHour
	}
	return hour >= sched.StartHour || hour < sched.EndHour
}

func pumpWanted(sched config.PumpSchedule, minute int) bool {
	return minute < sched.MinuteThreshold
}
