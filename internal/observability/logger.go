package observability

import (
	"github.com/danmuck/trdp/internal/logging"
	"github.com/rs/zerolog"
)

// InitLogger configures process logging and returns the logger for app.
func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	return logging.Component(app)
}
