package configuration

import (
	"fmt"

	"github.com/spf13/viper"
)

// Bind binds a configuration key to an environment variable. A nil default
// marks the key as required.
func Bind(configVar string, envVar string, defaultVal any) error {
	if defaultVal != nil {
		viper.SetDefault(configVar, defaultVal)
	}
	if err := viper.BindEnv(configVar, envVar); err != nil {
		return fmt.Errorf("failed to bind environment variable %s: %w", envVar, err)
	}
	if defaultVal == nil && !viper.IsSet(configVar) {
		return fmt.Errorf("required environment variable %s is not set", envVar)
	}
	return nil
}
