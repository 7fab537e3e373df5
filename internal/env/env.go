package env

import (
	"github.com/thatsimonsguy/greenhouse-controller/internal/config"
)

// Cfg is the loaded configuration, set once at startup before any controller runs.
var Cfg *config.Config
