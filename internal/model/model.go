package model

import "fmt"

type Role string

const (
	RoleLight Role = "light"
	RolePump  Role = "pump"
)

// Roles lists every actuator role in evaluation order.
var Roles = []Role{RoleLight, RolePump}

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleLight, RolePump:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown actuator role %q", s)
}

// Title is the label used in operator-facing messages ("Light", "Pump").
func (r Role) Title() string {
	switch r {
	case RoleLight:
		return "Light"
	case RolePump:
		return "Pump"
	default:
		return string(r)
	}
}

type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerOn
	PowerOff
)

func PowerFromBool(on bool) PowerState {
	if on {
		return PowerOn
	}
	return PowerOff
}

func (p PowerState) String() string {
	switch p {
	case PowerOn:
		return "ON"
	case PowerOff:
		return "OFF"
	default:
		return "unknown"
	}
}

type ControlMode string

const (
	ModeAuto   ControlMode = "auto"
	ModeManual ControlMode = "manual"
)
