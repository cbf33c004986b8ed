package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Configuration holds the engine-wide settings. Values come from an optional
// config file plus FSDB_* environment variables.
type Configuration struct {
	DataDir          string        `mapstructure:"data_dir"`
	TargetFileSize   int64         `mapstructure:"target_file_size"`
	Retention        time.Duration `mapstructure:"retention"`
	MaxCommitRetries int           `mapstructure:"max_commit_retries"`
	LogLevel         string        `mapstructure:"log_level"`
}

var Config Configuration

// InitConfig loads configuration from the given file (optional) and the
// environment. Missing values fall back to defaults.
func InitConfig(path string) error {
	v := viper.New()
	v.SetDefault("data_dir", "./data")
	v.SetDefault("target_file_size", int64(128*1024*1024))
	v.SetDefault("retention", 168*time.Hour)
	v.SetDefault("max_commit_retries", 10)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("FSDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}

	return v.Unmarshal(&Config)
}
