package util

import "github.com/spf13/viper"

// GetConfigBool reads a global flag that is bound to viper but lives
// outside the typed configuration
func GetConfigBool(key string) bool {
	return viper.GetBool(key)
}
