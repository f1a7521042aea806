package logger

import "fmt"

const (
	defaultJSONOutput  = false
	defaultOutputLevel = "info"
	undefinedAppID     = ""
)

type Options struct {
	// appID is the unique id of the stockade application
	appID string

	// JSONFormatEnabled defines the flag to enable JSON formatted log
	JSONFormatEnabled bool

	// OutputLevel defines the level of logging
	OutputLevel string
}

func (o *Options) SetOutputLevel(level string) error {
	if toLogLevel(level) == UndefinedLevel {
		return fmt.Errorf("undefined Log Output Level: %s", level)
	}
	o.OutputLevel = level
	return nil
}

// SetAppID sets Application ID.
func (o *Options) SetAppID(id string) {
	o.appID = id
}

// DefaultOptions returns default values of Options.
func DefaultOptions() Options {
	return Options{
		JSONFormatEnabled: defaultJSONOutput,
		appID:             undefinedAppID,
		OutputLevel:       defaultOutputLevel,
	}
}

// ApplyOptionsToLoggers applies options to all registered loggers and to
// every logger created afterwards.
func ApplyOptionsToLoggers(options *Options) error {
	logLevel := toLogLevel(options.OutputLevel)
	if logLevel == UndefinedLevel {
		return fmt.Errorf("invalid value for --log-level: %s", options.OutputLevel)
	}

	globalLoggersLock.Lock()
	globalOptions = *options
	globalLoggersLock.Unlock()

	internalLoggers := getLoggers()

	// apply formatting options first
	for _, v := range internalLoggers {
		v.EnableJSONOutput(options.JSONFormatEnabled)

		if options.appID != undefinedAppID {
			v.SetAppID(options.appID)
		}
	}

	for _, v := range internalLoggers {
		v.SetOutputLevel(logLevel)
	}
	return nil
}
