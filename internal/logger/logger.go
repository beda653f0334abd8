package logger

import (
	"go.uber.org/zap"
)

// New builds the process logger. Development mode switches to the console
// encoder with debug level.
func New(development bool, service string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", service)), nil
}
