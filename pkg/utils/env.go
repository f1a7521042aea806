package utils

import (
	"os"
	"strconv"
)

// GetEnvIntOrElse gets the integer value from the os environment or returns
// orElse if the variable is not present or not a number.
func GetEnvIntOrElse(name string, orElse int) int {
	value, ok := os.LookupEnv(name)
	if !ok {
		return orElse
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return orElse
	}
	return parsed
}
