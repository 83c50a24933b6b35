package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var Logger *logrus.Logger

// InitLogger initializes the structured logger with proper configuration
func InitLogger(logLevel string, isDevelopment bool) *logrus.Logger {
	log := logrus.New()

	// Override with environment if not provided
	if logLevel == "" {
		logLevel = os.Getenv("LOG_LEVEL")
		if logLevel == "" {
			if isDevelopment {
				logLevel = "debug"
			} else {
				logLevel = "info"
			}
		}
	}

	if level, err := logrus.ParseLevel(strings.ToLower(logLevel)); err == nil {
		log.SetLevel(level)
	} else {
		log.SetLevel(logrus.InfoLevel)
		log.WithField("invalid_level", logLevel).Warn("Invalid LOG_LEVEL, using INFO")
	}

	if !isDevelopment || strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			ForceColors:     true,
		})
	}

	log.SetOutput(os.Stdout)

	Logger = log

	return log
}

// GetLogger returns the global logger instance
func GetLogger() *logrus.Logger {
	if Logger == nil {
		return InitLogger("info", false)
	}
	return Logger
}

// WithModelVersion creates a logger bound to a published model version
func WithModelVersion(version string) *logrus.Entry {
	return GetLogger().WithField("model_version", version)
}

// WithDriver creates a logger with driver context
func WithDriver(driverID string) *logrus.Entry {
	return GetLogger().WithField("driver_id", driverID)
}

// WithTrack creates a logger with track context
func WithTrack(trackKey string) *logrus.Entry {
	return GetLogger().WithField("track_key", trackKey)
}

// WithRetrainContext creates a logger with full retraining run context
func WithRetrainContext(runID, modelVersion string) *logrus.Entry {
	fields := logrus.Fields{}
	if runID != "" {
		fields["retrain_run_id"] = runID
	}
	if modelVersion != "" {
		fields["model_version"] = modelVersion
	}
	return GetLogger().WithFields(fields)
}
