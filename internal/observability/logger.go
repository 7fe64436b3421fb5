package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Component returns the global logger tagged with a component name. Call it
// after logging is configured so the tag lands on the installed writer.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
