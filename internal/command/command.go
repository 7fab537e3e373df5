// Package command implements the chat-style operator commands:
//
//	!light on|off   force the light and enter manual mode
//	!pump on|off    force the pump and enter manual mode
//	!auto           hand every actuator back to the schedule
//	!status         sensor reading and actuator states
//	!photo          take a photo now
package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/thatsimonsguy/greenhouse-controller/internal/model"
)

const Prefix = "!"

var (
	ErrNotCommand     = errors.New("not a command")
	ErrUnknownCommand = errors.New("unknown command")
)

type Kind string

const (
	KindForce  Kind = "force"
	KindResume Kind = "resume"
	KindStatus Kind = "status"
	KindPhoto  Kind = "photo"
)

type Command struct {
	Kind Kind
	Role model.Role
	On   bool
}

// UsageError is returned for a force command with a missing or bad argument.
type UsageError struct {
	Role model.Role
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("Usage: '!%s on' or '!%s off'", e.Role, e.Role)
}

func Parse(text string) (Command, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, Prefix) {
		return Command{}, ErrNotCommand
	}
	fields := strings.Fields(strings.TrimPrefix(text, Prefix))
	if len(fields) == 0 {
		return Command{}, ErrNotCommand
	}

	name := strings.ToLower(fields[0])
	switch name {
	case "auto":
		return Command{Kind: KindResume}, nil
	case "status":
		return Command{Kind: KindStatus}, nil
	case "photo":
		return Command{Kind: KindPhoto}, nil
	}

	role, err := model.ParseRole(name)
	if err != nil {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	if len(fields) != 2 {
		return Command{}, &UsageError{Role: role}
	}
	switch strings.ToLower(fields[1]) {
	case "on":
		return Command{Kind: KindForce, Role: role, On: true}, nil
	case "off":
		return Command{Kind: KindForce, Role: role, On: false}, nil
	default:
		return Command{}, &UsageError{Role: role}
	}
}
