package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance. It discards output until Init is called.
	Logger = zerolog.Nop()
)

// Init initializes the global logger
func Init(level string, node string) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	zerolog.DurationFieldUnit = time.Millisecond

	var output io.Writer = os.Stdout

	// Pretty console logging in development
	if os.Getenv("ENV") == "development" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "beacon").
		Str("node", node).
		Logger()

	Logger.Info().
		Str("level", logLevel.String()).
		Msg("logger initialized")
}

// WithComponent returns a logger with a component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRequestID returns a logger with a request ID field
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}

// ForAlert returns a component logger scoped to one alert
func ForAlert(component, alertID string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("alert_id", alertID).Logger()
}

// ForCondition returns a component logger scoped to one trigger condition
func ForCondition(component, conditionID string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("condition_id", conditionID).Logger()
}
