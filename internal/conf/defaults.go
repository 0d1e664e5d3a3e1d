// conf/defaults.go default values for settings
package conf

import "github.com/spf13/viper"

// setDefaultConfig sets viper defaults for every configuration key, read
// before config.yaml is merged in so a partial user file still produces a
// complete Settings struct.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "screamrouterd")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "logs/screamrouterd.log")
	viper.SetDefault("main.log.rotation", string(RotationDaily))
	viper.SetDefault("main.log.maxsize", 10*1024*1024)

	viper.SetDefault("network.listenport", 4010)
	viper.SetDefault("network.timeshiftbuffersec", 300.0)

	viper.SetDefault("sync.enabled", true)
	viper.SetDefault("sync.barriertimeoutms", 50)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.listen", ":9091")

	viper.SetDefault("receivers", []map[string]any{})
	viper.SetDefault("sources", map[string]any{})
	viper.SetDefault("sinks", map[string]any{})
}
