package logger

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type loggingFlags struct {
	AppID      string
	Level      string
	JSONOutput bool
}

type parsedFlags struct {
	logFlags *loggingFlags
	flagSet  *pflag.FlagSet
}

// ParseFlags declares the logging flags shared by all stockade commands.
func ParseFlags() *parsedFlags {
	var f loggingFlags

	fs := pflag.NewFlagSet("logging", pflag.ExitOnError)
	fs.SortFlags = true

	fs.StringVar(&f.AppID, "log-app-id", "", "App id that should be displayed in the logs")
	fs.StringVar(&f.Level, "log-level", defaultOutputLevel, "Options are debug, info, warn, error, or fatal")
	fs.BoolVar(&f.JSONOutput, "log-json-out", defaultJSONOutput, "Whether the log output should be printed in json format or not")

	return &parsedFlags{
		logFlags: &f,
		flagSet:  fs,
	}
}

// ReadAndApply reads the logging flags of the command and applies them to
// every registered logger.
func ReadAndApply(command *cobra.Command, logger Logger) {
	opts := DefaultOptions()

	appID, err := command.Flags().GetString("log-app-id")
	if err != nil {
		logger.Fatalf("failed to apply logger configuration: %v", err)
	}
	opts.SetAppID(appID)
	logLevel, err := command.Flags().GetString("log-level")
	if err != nil {
		logger.Fatalf("failed to apply logger configuration: %v", err)
	}
	if err := opts.SetOutputLevel(logLevel); err != nil {
		logger.Fatalf("failed to apply logger configuration: %v", err)
	}
	opts.JSONFormatEnabled, err = command.Flags().GetBool("log-json-out")
	if err != nil {
		logger.Fatalf("failed to apply logger configuration: %v", err)
	}
	if err := ApplyOptionsToLoggers(&opts); err != nil {
		logger.Fatalf("failed to apply logger configuration: %v", err)
	}
}

func (p *parsedFlags) LoggingFlags() *loggingFlags {
	return p.logFlags
}

func (p *parsedFlags) FlagSet() *pflag.FlagSet {
	return p.flagSet
}
