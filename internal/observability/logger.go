package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger derives a component-tagged logger from the global one. Call it
// after logging is configured; the result does not follow later swaps.
func Logger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}
